package exam

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY: SECTION
// ══════════════════════════════════════════════════════════════════════════════

// Section - одна из четырёх секций попытки.
// Создаётся вместе с попыткой и меняется только через методы Instance.
type Section struct {
	ID         string
	InstanceID string
	Type       SectionType
	Order      int
	Status     SectionStatus
	TimeLimit  time.Duration

	// Elapsed - накопленное время до RunningSince.
	Elapsed      time.Duration
	RunningSince *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time

	RawScore   *float64
	MaxScore   *float64
	Percentage *float64
	Band       *float64

	Charge ChargeState
}

// IsCompleted - секция завершена.
func (s *Section) IsCompleted() bool {
	return s.Status == SectionCompleted
}

// ElapsedAt возвращает затраченное время на момент now.
func (s *Section) ElapsedAt(now time.Time) time.Duration {
	if s.RunningSince == nil {
		return s.Elapsed
	}
	if d := now.Sub(*s.RunningSince); d > 0 {
		return s.Elapsed + d
	}
	return s.Elapsed
}

// RemainingAt возвращает оставшееся время секции (не меньше нуля).
// Ядро не прерывает секцию по времени, это делает внешний таймер.
func (s *Section) RemainingAt(now time.Time) time.Duration {
	left := s.TimeLimit - s.ElapsedAt(now)
	if left < 0 {
		return 0
	}
	return left
}

// IsOvertimeAt - лимит времени исчерпан.
func (s *Section) IsOvertimeAt(now time.Time) bool {
	return s.TimeLimit > 0 && s.ElapsedAt(now) >= s.TimeLimit
}

func (s *Section) run(now time.Time) {
	if s.RunningSince == nil {
		t := now
		s.RunningSince = &t
	}
}

func (s *Section) stop(now time.Time) {
	s.Elapsed = s.ElapsedAt(now)
	s.RunningSince = nil
}

// Result - результат завершённой секции.
type Result struct {
	Type        SectionType `json:"section_type"`
	RawScore    float64     `json:"raw_score"`
	MaxScore    float64     `json:"max_score"`
	Percentage  float64     `json:"percentage"`
	Band        float64     `json:"band"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Result возвращает результат секции, если она завершена.
func (s *Section) Result() (Result, bool) {
	if !s.IsCompleted() || s.Band == nil || s.Percentage == nil || s.CompletedAt == nil {
		return Result{}, false
	}
	r := Result{
		Type:        s.Type,
		Percentage:  *s.Percentage,
		Band:        *s.Band,
		CompletedAt: *s.CompletedAt,
	}
	if s.RawScore != nil {
		r.RawScore = *s.RawScore
	}
	if s.MaxScore != nil {
		r.MaxScore = *s.MaxScore
	}
	return r, true
}

func floatPtr(v float64) *float64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }
