package exam

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/scoring"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY: INSTANCE
// ══════════════════════════════════════════════════════════════════════════════

// Instance - попытка пробного экзамена одного студента.
// Принадлежит студенту, который её создал; ссылается на кредитный пул.
type Instance struct {
	ID         shared.InstanceID
	StudentID  shared.StudentID
	PoolID     shared.PoolID
	ExamType   string
	Mode       Mode
	Status     Status
	ExamNumber int
	Topic      string

	CreditsCharged credit.Amount

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time

	// Elapsed - накопленное время до RunningSince.
	Elapsed      time.Duration
	RunningSince *time.Time

	OverallBand       *float64
	OverallPercentage *float64

	// Sections упорядочены по Order.
	Sections []*Section

	// Version - счётчик для оптимистичной блокировки.
	Version int
}

// CreateParams - параметры создания попытки.
type CreateParams struct {
	ID         shared.InstanceID
	StudentID  shared.StudentID
	PoolID     shared.PoolID
	ExamType   string
	Mode       Mode
	ExamNumber int
	Topic      string
	// Order - порядок секций академии. Пустой - порядок типа экзамена.
	Order []SectionType
	// TTL - срок жизни попытки. Ноль - без срока.
	TTL time.Duration
	// SectionID генерирует ID секций. Обязателен.
	SectionID func() string
	Now       time.Time
}

// NewInstance создаёт попытку с четырьмя секциями.
// В full_mock первая секция по порядку available, остальные locked;
// в section все четыре available. CreditsCharged равен предоплате режима,
// само списание выполняет вызывающий код до сохранения.
func NewInstance(p CreateParams) (*Instance, error) {
	if !p.ID.IsValid() {
		return nil, shared.NewDomainError("exam", "NewInstance", shared.ErrInvalidID, "invalid exam instance ID")
	}
	if !p.StudentID.IsValid() {
		return nil, shared.NewDomainError("exam", "NewInstance", shared.ErrInvalidID, "invalid student ID")
	}
	if !p.PoolID.IsValid() {
		return nil, shared.NewDomainError("exam", "NewInstance", shared.ErrInvalidID, "invalid plan ID")
	}
	if !p.Mode.IsValid() {
		return nil, shared.ErrInvalidMode
	}
	if p.ExamNumber < 1 {
		return nil, shared.NewDomainError("exam", "NewInstance", shared.ErrValueOutOfRange, "exam number must start at 1")
	}
	if p.SectionID == nil {
		return nil, shared.NewDomainError("exam", "NewInstance", shared.ErrInvalidInput, "section ID generator is required")
	}

	cfg, err := LookupType(p.ExamType)
	if err != nil {
		return nil, err
	}
	if len(p.Order) > 0 {
		if cfg, err = cfg.WithOrder(p.Order); err != nil {
			return nil, err
		}
	}

	inst := &Instance{
		ID:             p.ID,
		StudentID:      p.StudentID,
		PoolID:         p.PoolID,
		ExamType:       cfg.Name,
		Mode:           p.Mode,
		Status:         StatusNotStarted,
		ExamNumber:     p.ExamNumber,
		Topic:          strings.TrimSpace(p.Topic),
		CreditsCharged: p.Mode.UpfrontCharge(),
		CreatedAt:      p.Now,
		UpdatedAt:      p.Now,
		Sections:       make([]*Section, 0, len(cfg.Sections)),
		Version:        1,
	}
	if p.TTL > 0 {
		inst.ExpiresAt = timePtr(p.Now.Add(p.TTL))
	}

	for i, sc := range cfg.Sections {
		status := SectionAvailable
		if p.Mode == ModeFullMock && i > 0 {
			status = SectionLocked
		}
		inst.Sections = append(inst.Sections, &Section{
			ID:         p.SectionID(),
			InstanceID: p.ID.String(),
			Type:       sc.Type,
			Order:      i + 1,
			Status:     status,
			TimeLimit:  sc.TimeLimit,
			Charge:     ChargeNone,
		})
	}
	return inst, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

// Section возвращает секцию по типу.
func (i *Instance) Section(t SectionType) (*Section, error) {
	for _, s := range i.Sections {
		if s.Type == t {
			return s, nil
		}
	}
	return nil, shared.ErrSectionNotFound
}

// IsOwnedBy проверяет владельца попытки.
func (i *Instance) IsOwnedBy(student shared.StudentID) bool {
	return i.StudentID == student
}

// ElapsedAt возвращает общее затраченное время на момент now.
func (i *Instance) ElapsedAt(now time.Time) time.Duration {
	if i.RunningSince == nil {
		return i.Elapsed
	}
	if d := now.Sub(*i.RunningSince); d > 0 {
		return i.Elapsed + d
	}
	return i.Elapsed
}

// IsPastDeadline - срок жизни попытки истёк, а она не закрыта.
func (i *Instance) IsPastDeadline(now time.Time) bool {
	return !i.Status.IsTerminal() && i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Results возвращает результаты завершённых секций по типу.
func (i *Instance) Results() map[SectionType]Result {
	out := make(map[SectionType]Result, len(i.Sections))
	for _, s := range i.Sections {
		if r, ok := s.Result(); ok {
			out[s.Type] = r
		}
	}
	return out
}

// CompletedCount - число завершённых секций.
func (i *Instance) CompletedCount() int {
	n := 0
	for _, s := range i.Sections {
		if s.IsCompleted() {
			n++
		}
	}
	return n
}

// Progress - прогресс попытки.
type Progress struct {
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// Progress считает прогресс: незавершённая начатая секция идёт за половину.
func (i *Instance) Progress() Progress {
	p := Progress{Total: len(i.Sections)}
	for _, s := range i.Sections {
		switch s.Status {
		case SectionCompleted:
			p.Completed++
		case SectionInProgress:
			p.InProgress++
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Completed*100+p.InProgress*50) / float64(p.Total)))
	}
	return p
}

// ─────────────────────────────────────────────────────────────────────────────
// State transitions
// ─────────────────────────────────────────────────────────────────────────────

func (i *Instance) ensureOpen() error {
	switch i.Status {
	case StatusExpired:
		return shared.ErrExamExpired
	case StatusCompleted:
		return shared.ErrExamClosed
	}
	return nil
}

func (i *Instance) touch(now time.Time) {
	i.UpdatedAt = now
}

// Start переводит not_started или paused в in_progress.
// StartedAt фиксируется только при первом переходе; повторный вызов
// для in_progress ничего не меняет.
func (i *Instance) Start(now time.Time) error {
	if err := i.ensureOpen(); err != nil {
		return err
	}
	switch i.Status {
	case StatusInProgress:
		return nil
	case StatusNotStarted, StatusPaused:
		if i.StartedAt == nil {
			i.StartedAt = timePtr(now)
		}
		i.Status = StatusInProgress
		i.RunningSince = timePtr(now)
		for _, s := range i.Sections {
			if s.Status == SectionInProgress {
				s.run(now)
			}
		}
		i.touch(now)
		return nil
	default:
		return shared.ErrInvalidTransition
	}
}

// Resume - то же, что Start; отдельное имя для вызывающего кода.
func (i *Instance) Resume(now time.Time) error {
	return i.Start(now)
}

// Pause допустим только из in_progress и накапливает затраченное время
// попытки и начатой секции.
func (i *Instance) Pause(now time.Time) error {
	if err := i.ensureOpen(); err != nil {
		return err
	}
	if i.Status != StatusInProgress {
		return shared.ErrInvalidTransition
	}
	i.stopClocks(now)
	i.Status = StatusPaused
	i.touch(now)
	return nil
}

// Expire переводит незакрытую попытку в expired. Повторный вызов - no-op.
func (i *Instance) Expire(now time.Time) error {
	switch i.Status {
	case StatusExpired:
		return nil
	case StatusCompleted:
		return shared.ErrInvalidTransition
	}
	i.stopClocks(now)
	i.Status = StatusExpired
	i.touch(now)
	return nil
}

// ExpireIfDue лениво применяет срок жизни. Возвращает true, если попытка
// только что перешла в expired.
func (i *Instance) ExpireIfDue(now time.Time) bool {
	if !i.IsPastDeadline(now) {
		return false
	}
	_ = i.Expire(now)
	return true
}

func (i *Instance) stopClocks(now time.Time) {
	if i.RunningSince != nil {
		i.Elapsed = i.ElapsedAt(now)
		i.RunningSince = nil
	}
	for _, s := range i.Sections {
		if s.RunningSince != nil {
			s.stop(now)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Section progression
// ─────────────────────────────────────────────────────────────────────────────

// StartSection начинает секцию. Уже начатая секция возвращается как есть
// (продолжение). Первая начатая секция переводит попытку в in_progress.
func (i *Instance) StartSection(t SectionType, now time.Time) (*Section, error) {
	s, err := i.Section(t)
	if err != nil {
		return nil, err
	}
	if s.Status == SectionCompleted {
		return nil, shared.ErrAlreadyCompleted
	}
	if err := i.ensureOpen(); err != nil {
		return nil, err
	}
	switch s.Status {
	case SectionLocked:
		return nil, shared.ErrSectionLocked
	case SectionSkipped:
		return nil, shared.ErrInvalidTransition
	}

	if err := i.Start(now); err != nil {
		return nil, err
	}
	if s.Status == SectionInProgress {
		s.run(now)
		return s, nil
	}
	s.Status = SectionInProgress
	if s.StartedAt == nil {
		s.StartedAt = timePtr(now)
	}
	s.run(now)
	i.touch(now)
	return s, nil
}

// Completion - итог CompleteSection.
type Completion struct {
	Section      *Section
	NextUnlocked []SectionType
	// Completed - попытка закрыта этим вызовом.
	Completed bool
	Overall   *scoring.Overall
	// ChargeDue - сколько нужно списать за секцию (только режим section).
	ChargeDue credit.Amount
}

// CompleteSection записывает результат секции и считает её band.
//
// Секция должна быть available или in_progress: для locked возвращается
// ErrSectionLocked, для completed - ErrAlreadyCompleted. В full_mock
// завершение секции с порядком k открывает секцию k+1. Завершение
// последней секции агрегирует результат и закрывает попытку.
func (i *Instance) CompleteSection(t SectionType, raw, max float64, now time.Time) (Completion, error) {
	s, err := i.Section(t)
	if err != nil {
		return Completion{}, err
	}
	if s.Status == SectionCompleted {
		return Completion{}, shared.ErrAlreadyCompleted
	}
	if err := i.ensureOpen(); err != nil {
		return Completion{}, err
	}
	switch s.Status {
	case SectionLocked:
		return Completion{}, shared.ErrSectionLocked
	case SectionSkipped:
		return Completion{}, shared.ErrInvalidTransition
	}

	score, err := scoring.Score(string(t), raw, max)
	if err != nil {
		return Completion{}, err
	}

	if err := i.Start(now); err != nil {
		return Completion{}, err
	}

	s.stop(now)
	if s.StartedAt == nil {
		s.StartedAt = timePtr(now)
	}
	s.Status = SectionCompleted
	s.CompletedAt = timePtr(now)
	s.RawScore = floatPtr(score.Raw)
	s.MaxScore = floatPtr(score.Max)
	s.Percentage = floatPtr(score.Percentage)
	s.Band = floatPtr(score.Band)

	out := Completion{Section: s, ChargeDue: i.Mode.CompletionCharge()}

	if i.Mode == ModeFullMock {
		for _, next := range i.Sections {
			if next.Order == s.Order+1 && next.Status == SectionLocked {
				next.Status = SectionAvailable
				out.NextUnlocked = append(out.NextUnlocked, next.Type)
			}
		}
	}

	if i.CompletedCount() == len(i.Sections) {
		overall, err := i.finish(now)
		if err != nil {
			return Completion{}, err
		}
		out.Completed = true
		out.Overall = &overall
	}

	i.touch(now)
	return out, nil
}

// FinishSession закрывает попытку в режиме section по набору уже
// завершённых секций. Незавершённые секции помечаются skipped.
func (i *Instance) FinishSession(now time.Time) (scoring.Overall, error) {
	if err := i.ensureOpen(); err != nil {
		return scoring.Overall{}, err
	}
	if i.Mode != ModeSection {
		return scoring.Overall{}, shared.ErrInvalidTransition
	}
	if i.CompletedCount() == 0 {
		return scoring.Overall{}, shared.ErrNothingToFinish
	}
	overall, err := i.finish(now)
	if err != nil {
		return scoring.Overall{}, err
	}
	i.touch(now)
	return overall, nil
}

// Abandon закрывает попытку, в которой не завершено ни одной секции,
// и возвращает сумму к возврату в пул (предоплату full_mock).
func (i *Instance) Abandon(now time.Time) (credit.Amount, error) {
	if err := i.ensureOpen(); err != nil {
		return 0, err
	}
	if i.CompletedCount() > 0 {
		return 0, shared.ErrChargeAlreadyUsed
	}
	refund := i.CreditsCharged
	if err := i.Expire(now); err != nil {
		return 0, err
	}
	i.CreditsCharged = 0
	return refund, nil
}

// Aggregate пересчитывает итог по завершённым секциям.
// Не меняет состояние; результат не зависит от порядка завершения.
func (i *Instance) Aggregate() (scoring.Overall, error) {
	scores := make([]scoring.SectionScore, 0, len(i.Sections))
	for _, s := range i.Sections {
		r, ok := s.Result()
		if !ok {
			continue
		}
		scores = append(scores, scoring.SectionScore{
			Section:    string(r.Type),
			Raw:        r.RawScore,
			Max:        r.MaxScore,
			Percentage: r.Percentage,
			Band:       r.Band,
		})
	}
	return scoring.Aggregate(scores)
}

func (i *Instance) finish(now time.Time) (scoring.Overall, error) {
	overall, err := i.Aggregate()
	if err != nil {
		return scoring.Overall{}, err
	}
	i.stopClocks(now)
	for _, s := range i.Sections {
		if s.Status != SectionCompleted {
			s.Status = SectionSkipped
		}
	}
	i.Status = StatusCompleted
	i.CompletedAt = timePtr(now)
	i.OverallBand = floatPtr(overall.Band)
	i.OverallPercentage = floatPtr(overall.Percentage)
	return overall, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Charges
// ─────────────────────────────────────────────────────────────────────────────

// MarkCharged отмечает успешное списание за секцию.
func (i *Instance) MarkCharged(t SectionType, amount credit.Amount) {
	if s, err := i.Section(t); err == nil {
		s.Charge = ChargeCharged
	}
	i.CreditsCharged += amount
}

// MarkChargeFailed отмечает неудачное списание. Результат секции остаётся.
func (i *Instance) MarkChargeFailed(t SectionType) {
	if s, err := i.Section(t); err == nil {
		s.Charge = ChargeFailed
	}
}

// SortSections восстанавливает порядок секций после загрузки из хранилища.
func (i *Instance) SortSections() {
	sort.Slice(i.Sections, func(a, b int) bool { return i.Sections[a].Order < i.Sections[b].Order })
}
