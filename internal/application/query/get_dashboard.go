package query

import (
	"context"
	"sort"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
	"github.com/proficienthub/exam-credits/internal/domain/scoring"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
	"github.com/proficienthub/exam-credits/pkg/logger"
	"github.com/proficienthub/exam-credits/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DASHBOARD QUERY
// Дашборд студента по плану: остаток кредитов, попытки с прогрессом,
// средние по секциям и динамика результатов.
// Чистое чтение, без списаний и смены статусов.
// ══════════════════════════════════════════════════════════════════════════════

// trendWindow - сколько первых и последних экзаменов сравнивает тренд.
const trendWindow = 3

// GetDashboardQuery содержит параметры запроса дашборда.
type GetDashboardQuery struct {
	Actor  shared.Actor
	PoolID shared.PoolID

	// SkipCache - читать мимо кеша.
	SkipCache bool
}

// Validate проверяет корректность параметров.
func (q GetDashboardQuery) Validate() error {
	if err := q.Actor.Validate(); err != nil {
		return err
	}
	if !q.PoolID.IsValid() {
		return shared.ErrPlanNotFound
	}
	return nil
}

// SectionAverageDTO - средний результат по типу секции.
type SectionAverageDTO struct {
	Section  exam.SectionType `json:"section_type"`
	Average  float64          `json:"average_band"`
	Best     float64          `json:"best_band"`
	Attempts int              `json:"attempts"`
}

// StatisticsDTO - сводная статистика студента по плану.
type StatisticsDTO struct {
	TotalExams int `json:"total_exams"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`

	AverageBand *float64 `json:"average_band,omitempty"`
	BestBand    *float64 `json:"best_band,omitempty"`

	// ImprovementTrend - среднее последних трёх минус среднее первых трёх
	// завершённых экзаменов. Есть только при трёх и более.
	ImprovementTrend *float64 `json:"improvement_trend,omitempty"`
}

// DashboardDTO - дашборд студента.
type DashboardDTO struct {
	StudentID string `json:"student_id"`

	Credits         CreditsDTO          `json:"credits"`
	Exams           []ExamDTO           `json:"exams"`
	SectionAverages []SectionAverageDTO `json:"section_averages"`
	Statistics      StatisticsDTO       `json:"statistics"`

	GeneratedAt time.Time `json:"generated_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// GetDashboardHandler обрабатывает запрос дашборда.
type GetDashboardHandler struct {
	pools credit.Repository
	exams exam.Repository
	cache DashboardCache
	clock timeutil.Clock
	log   *logger.Logger
}

// NewGetDashboardHandler создаёт новый обработчик. cache может быть nil.
func NewGetDashboardHandler(
	pools credit.Repository,
	exams exam.Repository,
	cache DashboardCache,
	clock timeutil.Clock,
	log *logger.Logger,
) *GetDashboardHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetDashboardHandler{
		pools: pools,
		exams: exams,
		cache: cache,
		clock: clock,
		log:   log.With(logger.Component("query"), logger.Operation("get_dashboard")),
	}
}

// Handle выполняет запрос дашборда.
// Ошибки кеша не мешают ответу: они логируются, данные читаются из хранилища.
func (h *GetDashboardHandler) Handle(ctx context.Context, q GetDashboardQuery) (*DashboardDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	// Проверка доступа идёт до кеша: кеш не знает академий.
	pool, err := loadAcademyPool(ctx, h.pools, q.Actor, q.PoolID)
	if err != nil {
		return nil, err
	}

	poolID, studentID := q.PoolID.String(), q.Actor.StudentID.String()

	if h.cache != nil && !q.SkipCache {
		var cached DashboardDTO
		hit, err := h.cache.Get(ctx, poolID, studentID, &cached)
		if err != nil {
			h.log.Warn("dashboard cache read failed", logger.PoolID(poolID), logger.Err(err))
		}
		if hit {
			return &cached, nil
		}
	}

	instances, err := h.exams.ListByStudentPool(ctx, q.Actor.StudentID, q.PoolID)
	if err != nil {
		return nil, err
	}

	dto := BuildDashboard(pool, q.Actor.StudentID, instances, h.clock.Now())

	if h.cache != nil {
		if err := h.cache.Set(ctx, poolID, studentID, dto); err != nil {
			h.log.Warn("dashboard cache write failed", logger.PoolID(poolID), logger.Err(err))
		}
	}
	return dto, nil
}

// BuildDashboard собирает дашборд из плана и попыток студента на момент now.
func BuildDashboard(pool *credit.Pool, student shared.StudentID, instances []*exam.Instance, now time.Time) *DashboardDTO {
	sorted := make([]*exam.Instance, len(instances))
	copy(sorted, instances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExamNumber < sorted[j].ExamNumber })

	dto := &DashboardDTO{
		StudentID:       student.String(),
		Credits:         toCreditsDTO(pool, now),
		Exams:           make([]ExamDTO, 0, len(sorted)),
		SectionAverages: sectionAverages(sorted),
		Statistics:      statistics(sorted, now),
		GeneratedAt:     now,
	}
	for _, inst := range sorted {
		dto.Exams = append(dto.Exams, ToExamDTO(inst, now))
	}
	return dto
}

// sectionAverages считает средний и лучший band по каждому типу секции
// среди всех завершённых секций, в каноническом порядке.
func sectionAverages(instances []*exam.Instance) []SectionAverageDTO {
	bands := make(map[exam.SectionType][]float64, len(exam.AllSectionTypes))
	for _, inst := range instances {
		for t, r := range inst.Results() {
			bands[t] = append(bands[t], r.Band)
		}
	}

	out := make([]SectionAverageDTO, 0, len(bands))
	for _, t := range exam.AllSectionTypes {
		values := bands[t]
		if len(values) == 0 {
			continue
		}
		out = append(out, SectionAverageDTO{
			Section:  t,
			Average:  scoring.Round1(scoring.Mean(values)),
			Best:     maxOf(values),
			Attempts: len(values),
		})
	}
	return out
}

// statistics ожидает попытки, отсортированные по номеру.
func statistics(instances []*exam.Instance, now time.Time) StatisticsDTO {
	st := StatisticsDTO{TotalExams: len(instances)}

	var overall []float64
	for _, inst := range instances {
		switch {
		case inst.Status == exam.StatusCompleted:
			st.Completed++
			if inst.OverallBand != nil {
				overall = append(overall, *inst.OverallBand)
			}
		case inst.IsPastDeadline(now):
		case inst.Status == exam.StatusInProgress, inst.Status == exam.StatusPaused:
			st.InProgress++
		}
	}

	if len(overall) == 0 {
		return st
	}
	avg := scoring.Round1(scoring.Mean(overall))
	best := maxOf(overall)
	st.AverageBand, st.BestBand = &avg, &best

	if len(overall) >= trendWindow {
		first := scoring.Mean(overall[:trendWindow])
		last := scoring.Mean(overall[len(overall)-trendWindow:])
		trend := scoring.Round1(last - first)
		st.ImprovementTrend = &trend
	}
	return st
}

func maxOf(values []float64) float64 {
	best := values[0]
	for _, v := range values[1:] {
		if v > best {
			best = v
		}
	}
	return best
}
