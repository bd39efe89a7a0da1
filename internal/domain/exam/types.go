package exam

import (
	"strings"
	"time"

	"github.com/proficienthub/exam-credits/internal/domain/credit"
	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Mode - режим прохождения экзамена.
type Mode string

const (
	// ModeFullMock - полный экзамен, секции строго по порядку.
	ModeFullMock Mode = "full_mock"
	// ModeSection - секции независимы и оплачиваются по отдельности.
	ModeSection Mode = "section"
)

// IsValid проверяет, что режим корректен.
func (m Mode) IsValid() bool {
	return m == ModeFullMock || m == ModeSection
}

// UpfrontCharge - сколько кредитов списывается при создании попытки.
func (m Mode) UpfrontCharge() credit.Amount {
	if m == ModeFullMock {
		return credit.FullMockCharge
	}
	return 0
}

// CompletionCharge - сколько списывается за каждую завершённую секцию.
func (m Mode) CompletionCharge() credit.Amount {
	if m == ModeSection {
		return credit.SectionCharge
	}
	return 0
}

// ParseMode разбирает режим из строки.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", shared.ErrInvalidMode
	}
	return m, nil
}

// Status - статус попытки.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// IsValid проверяет, что статус корректен.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusPaused, StatusCompleted, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal - попытка больше не меняется.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// SectionType - тип секции. Уникален внутри попытки.
type SectionType string

const (
	SectionListening SectionType = "listening"
	SectionReading   SectionType = "reading"
	SectionWriting   SectionType = "writing"
	SectionSpeaking  SectionType = "speaking"
)

// AllSectionTypes - все типы секций в каноническом порядке.
var AllSectionTypes = []SectionType{SectionListening, SectionReading, SectionWriting, SectionSpeaking}

// IsValid проверяет, что тип секции корректен.
func (t SectionType) IsValid() bool {
	switch t {
	case SectionListening, SectionReading, SectionWriting, SectionSpeaking:
		return true
	default:
		return false
	}
}

// ParseSectionType разбирает тип секции из строки.
func ParseSectionType(s string) (SectionType, error) {
	t := SectionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", shared.ErrSectionNotFound
	}
	return t, nil
}

// SectionStatus - статус секции.
type SectionStatus string

const (
	SectionLocked     SectionStatus = "locked"
	SectionAvailable  SectionStatus = "available"
	SectionInProgress SectionStatus = "in_progress"
	SectionCompleted  SectionStatus = "completed"
	SectionSkipped    SectionStatus = "skipped"
)

// IsValid проверяет, что статус секции корректен.
func (s SectionStatus) IsValid() bool {
	switch s {
	case SectionLocked, SectionAvailable, SectionInProgress, SectionCompleted, SectionSkipped:
		return true
	default:
		return false
	}
}

// ChargeState - состояние оплаты секции в режиме section.
type ChargeState string

const (
	ChargeNone    ChargeState = "none"
	ChargeCharged ChargeState = "charged"
	ChargeFailed  ChargeState = "failed"
)

// ══════════════════════════════════════════════════════════════════════════════
// EXAM TYPE CATALOG
// ══════════════════════════════════════════════════════════════════════════════

// SectionConfig - место секции в экзамене и её лимит времени.
type SectionConfig struct {
	Type      SectionType
	TimeLimit time.Duration
}

// TypeConfig - конфигурация типа экзамена.
// Sections - явный упорядоченный список: порядок открытия секций в full_mock.
type TypeConfig struct {
	Name      string
	TotalTime time.Duration
	Sections  []SectionConfig
}

// Order возвращает порядок секций.
func (c TypeConfig) Order() []SectionType {
	out := make([]SectionType, len(c.Sections))
	for i, s := range c.Sections {
		out[i] = s.Type
	}
	return out
}

// TimeLimit возвращает лимит секции.
func (c TypeConfig) TimeLimit(t SectionType) time.Duration {
	for _, s := range c.Sections {
		if s.Type == t {
			return s.TimeLimit
		}
	}
	return 0
}

// WithOrder возвращает копию конфигурации с другим порядком секций
// (например, заданным академией). Лимиты времени сохраняются.
func (c TypeConfig) WithOrder(order []SectionType) (TypeConfig, error) {
	if len(order) != len(c.Sections) {
		return TypeConfig{}, shared.NewDomainError("exam", "WithOrder", shared.ErrInvalidInput, "section order must list every section exactly once")
	}
	seen := make(map[SectionType]bool, len(order))
	out := TypeConfig{Name: c.Name, TotalTime: c.TotalTime, Sections: make([]SectionConfig, 0, len(order))}
	for _, t := range order {
		limit := c.TimeLimit(t)
		if !t.IsValid() || seen[t] || limit == 0 {
			return TypeConfig{}, shared.NewDomainError("exam", "WithOrder", shared.ErrInvalidInput, "section order must list every section exactly once")
		}
		seen[t] = true
		out.Sections = append(out.Sections, SectionConfig{Type: t, TimeLimit: limit})
	}
	return out, nil
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// catalog - поддерживаемые типы экзаменов.
var catalog = map[string]TypeConfig{
	"ielts_academic": {Name: "ielts_academic", TotalTime: minutes(165), Sections: []SectionConfig{
		{SectionListening, minutes(40)}, {SectionReading, minutes(60)}, {SectionWriting, minutes(60)}, {SectionSpeaking, minutes(15)},
	}},
	"ielts_general": {Name: "ielts_general", TotalTime: minutes(165), Sections: []SectionConfig{
		{SectionListening, minutes(40)}, {SectionReading, minutes(60)}, {SectionWriting, minutes(60)}, {SectionSpeaking, minutes(15)},
	}},
	"cambridge_b2_first": {Name: "cambridge_b2_first", TotalTime: minutes(209), Sections: []SectionConfig{
		{SectionReading, minutes(75)}, {SectionWriting, minutes(80)}, {SectionListening, minutes(40)}, {SectionSpeaking, minutes(14)},
	}},
	"cambridge_c1_advanced": {Name: "cambridge_c1_advanced", TotalTime: minutes(235), Sections: []SectionConfig{
		{SectionReading, minutes(90)}, {SectionWriting, minutes(90)}, {SectionListening, minutes(40)}, {SectionSpeaking, minutes(15)},
	}},
	"toefl_ibt": {Name: "toefl_ibt", TotalTime: minutes(180), Sections: []SectionConfig{
		{SectionReading, minutes(54)}, {SectionListening, minutes(41)}, {SectionSpeaking, minutes(17)}, {SectionWriting, minutes(50)},
	}},
	"pte_academic": {Name: "pte_academic", TotalTime: minutes(180), Sections: []SectionConfig{
		{SectionSpeaking, minutes(54)}, {SectionWriting, minutes(29)}, {SectionReading, minutes(29)}, {SectionListening, minutes(30)},
	}},
	"oet_medicine": {Name: "oet_medicine", TotalTime: minutes(165), Sections: []SectionConfig{
		{SectionListening, minutes(45)}, {SectionReading, minutes(60)}, {SectionWriting, minutes(45)}, {SectionSpeaking, minutes(20)},
	}},
}

// DefaultExamType используется, когда тип не указан.
const DefaultExamType = "ielts_academic"

// LookupType возвращает конфигурацию типа экзамена.
// Пустая строка означает DefaultExamType, неизвестный тип - ErrInvalidExamType.
func LookupType(name string) (TypeConfig, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = DefaultExamType
	}
	cfg, ok := catalog[key]
	if !ok {
		return TypeConfig{}, shared.ErrInvalidExamType
	}
	return cfg, nil
}

// ExamTypes возвращает имена всех поддерживаемых типов.
func ExamTypes() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	return out
}
