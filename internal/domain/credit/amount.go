package credit

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Amount - количество кредитов в сотых долях (1.00 кредита = 100).
// Целочисленное представление исключает накопление ошибок округления
// при списаниях по 0.25.
type Amount int64

const (
	// Hundredth - минимальная единица учёта.
	Hundredth Amount = 1
	// SectionCharge - стоимость одной секции в режиме section.
	SectionCharge Amount = 25
	// FullMockCharge - стоимость полного пробного экзамена.
	FullMockCharge Amount = 100
)

// FromFloat переводит десятичное значение кредитов в Amount,
// округляя до сотых.
func FromFloat(v float64) (Amount, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, shared.ErrInvalidAmount
	}
	if v < 0 {
		return 0, shared.NewDomainError("credit", "FromFloat", shared.ErrNegativeValue, "credit amount cannot be negative")
	}
	return Amount(math.Round(v * 100)), nil
}

// Credits возвращает целое число кредитов как Amount.
func Credits(n int64) Amount {
	return Amount(n * 100)
}

// Float64 возвращает значение в кредитах.
func (a Amount) Float64() float64 {
	return float64(a) / 100
}

// Int64 возвращает значение в сотых.
func (a Amount) Int64() int64 {
	return int64(a)
}

// IsPositive проверяет, что сумма больше нуля.
func (a Amount) IsPositive() bool {
	return a > 0
}

// FullMocks - сколько полных экзаменов покрывает сумма.
func (a Amount) FullMocks() int {
	if a <= 0 {
		return 0
	}
	return int(a / FullMockCharge)
}

// Sections - сколько отдельных секций покрывает сумма.
func (a Amount) Sections() int {
	if a <= 0 {
		return 0
	}
	return int(a / SectionCharge)
}

// String форматирует сумму с двумя знаками после точки.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON сериализует сумму как десятичное число кредитов.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(a.Float64(), 'f', 2, 64)), nil
}

// UnmarshalJSON принимает десятичное число кредитов.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("credit amount: %w", err)
	}
	parsed, err := FromFloat(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
