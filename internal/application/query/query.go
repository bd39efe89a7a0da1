// Package query contains read operations (CQRS - Queries).
// Запросы ничего не списывают и не меняют: просроченная попытка
// показывается как expired, но в хранилище не переводится.
package query

import (
	"context"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/exam"
)

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// DashboardCache - кеш готовых дашбордов по паре (план, студент).
// Реализация находится в infrastructure/persistence/redis.
type DashboardCache interface {
	// Get загружает дашборд в dest. Промах - (false, nil).
	Get(ctx context.Context, poolID, studentID string, dest interface{}) (bool, error)

	// Set сохраняет дашборд.
	Set(ctx context.Context, poolID, studentID string, value interface{}) error

	// InvalidatePool удаляет все дашборды плана.
	InvalidatePool(ctx context.Context, poolID string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// DTO
// ══════════════════════════════════════════════════════════════════════════════

// CreditsDTO - состояние кредитного пула.
type CreditsDTO struct {
	PoolID   string        `json:"plan_id"`
	PlanName string        `json:"plan_name"`
	ExamType string        `json:"exam_type"`
	Status   credit.Status `json:"status"`

	Total     credit.Amount `json:"total_credits"`
	Used      credit.Amount `json:"used_credits"`
	Remaining credit.Amount `json:"remaining_credits"`

	// RemainingFullMocks - floor(remaining).
	RemainingFullMocks int `json:"remaining_full_mocks"`

	// RemainingSections - floor(remaining / 0.25).
	RemainingSections int `json:"remaining_sections"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Usable - план активен и не истёк на момент чтения.
	Usable bool `json:"usable"`
}

func toCreditsDTO(p *credit.Pool, now time.Time) CreditsDTO {
	remaining := p.Remaining()
	status := p.Status
	if status == credit.StatusActive && p.IsExpiredAt(now) {
		status = credit.StatusExpired
	}
	return CreditsDTO{
		PoolID:             p.ID.String(),
		PlanName:           p.PlanName,
		ExamType:           p.ExamType,
		Status:             status,
		Total:              p.Total,
		Used:               p.Used,
		Remaining:          remaining,
		RemainingFullMocks: remaining.FullMocks(),
		RemainingSections:  remaining.Sections(),
		ExpiresAt:          p.ExpiresAt,
		Usable:             p.IsUsableAt(now),
	}
}

// SectionDTO - секция попытки.
type SectionDTO struct {
	Type   exam.SectionType   `json:"section_type"`
	Order  int                `json:"order"`
	Status exam.SectionStatus `json:"status"`

	TimeLimitSeconds int64 `json:"time_limit_seconds"`
	ElapsedSeconds   int64 `json:"elapsed_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`

	RawScore   *float64 `json:"raw_score,omitempty"`
	MaxScore   *float64 `json:"max_score,omitempty"`
	Percentage *float64 `json:"percentage,omitempty"`
	Band       *float64 `json:"band_score,omitempty"`

	Charge      exam.ChargeState `json:"charge_state"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ExamDTO - попытка экзамена с секциями.
type ExamDTO struct {
	ID         string      `json:"id"`
	PoolID     string      `json:"plan_id"`
	ExamNumber int         `json:"exam_number"`
	ExamType   string      `json:"exam_type"`
	Mode       exam.Mode   `json:"mode"`
	Status     exam.Status `json:"status"`
	Topic      string      `json:"topic,omitempty"`

	CreditsCharged credit.Amount `json:"credits_charged"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	ElapsedSeconds int64 `json:"elapsed_seconds"`

	OverallBand       *float64 `json:"overall_band,omitempty"`
	OverallPercentage *float64 `json:"overall_percentage,omitempty"`

	Progress exam.Progress `json:"progress"`
	Sections []SectionDTO  `json:"sections"`
}

// ToExamDTO строит DTO попытки на момент now.
// Попытка с истёкшим сроком показывается как expired.
func ToExamDTO(inst *exam.Instance, now time.Time) ExamDTO {
	status := inst.Status
	if inst.IsPastDeadline(now) {
		status = exam.StatusExpired
	}

	dto := ExamDTO{
		ID:                inst.ID.String(),
		PoolID:            inst.PoolID.String(),
		ExamNumber:        inst.ExamNumber,
		ExamType:          inst.ExamType,
		Mode:              inst.Mode,
		Status:            status,
		Topic:             inst.Topic,
		CreditsCharged:    inst.CreditsCharged,
		CreatedAt:         inst.CreatedAt,
		StartedAt:         inst.StartedAt,
		CompletedAt:       inst.CompletedAt,
		ExpiresAt:         inst.ExpiresAt,
		ElapsedSeconds:    seconds(inst.ElapsedAt(now)),
		OverallBand:       inst.OverallBand,
		OverallPercentage: inst.OverallPercentage,
		Progress:          inst.Progress(),
		Sections:          make([]SectionDTO, 0, len(inst.Sections)),
	}
	for _, s := range inst.Sections {
		dto.Sections = append(dto.Sections, SectionDTO{
			Type:             s.Type,
			Order:            s.Order,
			Status:           s.Status,
			TimeLimitSeconds: seconds(s.TimeLimit),
			ElapsedSeconds:   seconds(s.ElapsedAt(now)),
			RemainingSeconds: seconds(s.RemainingAt(now)),
			RawScore:         s.RawScore,
			MaxScore:         s.MaxScore,
			Percentage:       s.Percentage,
			Band:             s.Band,
			Charge:           s.Charge,
			StartedAt:        s.StartedAt,
			CompletedAt:      s.CompletedAt,
		})
	}
	return dto
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
