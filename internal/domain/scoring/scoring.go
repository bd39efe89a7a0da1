// Package scoring converts raw section scores into half-point bands and
// aggregates section results into an overall band.
//
// All functions are pure and deterministic. Aggregation sorts its input, so the
// result never depends on the order in which sections were completed.
package scoring

import (
	"math"
	"sort"

	"github.com/proficienthub/exam-credits/internal/domain/shared"
)

// Scale describes a banded proficiency scale.
type Scale struct {
	Max  float64
	Step float64
}

// Band is the 0.0 to 9.0 half-point scale used for every exam type.
var Band = Scale{Max: 9.0, Step: 0.5}

// quantum normalises binary floating point noise before the tie-break, so a
// value that is mathematically on a boundary (6.25) is treated as one even
// when it arrives as 6.2499999999.
const quantum = 1e6

// Round rounds x to the nearest step. Ties round up. Results are clamped to
// [0, Max].
func (s Scale) Round(x float64) float64 {
	if math.IsNaN(x) || x <= 0 {
		return 0
	}
	if x >= s.Max {
		return s.Max
	}
	units := math.Round(x/s.Step*quantum) / quantum
	return math.Floor(units+0.5) * s.Step
}

// FromPercentage maps a 0..100 percentage linearly onto the scale and rounds it.
func (s Scale) FromPercentage(pct float64) float64 {
	return s.Round(pct * s.Max / 100)
}

// BandFor maps a section percentage to its band.
func BandFor(pct float64) float64 {
	return Band.FromPercentage(pct)
}

// RoundBand rounds a raw band to the nearest 0.5, ties up.
// 6.25 -> 6.5, 6.24 -> 6.0, 6.75 -> 7.0.
func RoundBand(x float64) float64 {
	return Band.Round(x)
}

// Round2 rounds half away from zero at two decimal places.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Round1 rounds half away from zero at one decimal place.
func Round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// Percentage returns raw/max as a percentage with two decimals.
func Percentage(raw, max float64) (float64, error) {
	if math.IsNaN(max) || max <= 0 {
		return 0, shared.ErrInvalidMaxScore
	}
	if math.IsNaN(raw) || raw < 0 || raw > max {
		return 0, shared.ErrInvalidScore
	}
	return Round2(raw / max * 100), nil
}

// SectionScore is a scored section.
type SectionScore struct {
	Section    string
	Raw        float64
	Max        float64
	Percentage float64
	Band       float64
}

// Score computes percentage and band for one section.
func Score(section string, raw, max float64) (SectionScore, error) {
	pct, err := Percentage(raw, max)
	if err != nil {
		return SectionScore{}, err
	}
	return SectionScore{
		Section:    section,
		Raw:        raw,
		Max:        max,
		Percentage: pct,
		Band:       BandFor(pct),
	}, nil
}

// Overall is the aggregate of a set of section scores.
type Overall struct {
	Band       float64
	Percentage float64
	Sections   int
}

// Aggregate averages section bands (rounded with RoundBand) and section
// percentages (two decimals). Input order does not matter.
func Aggregate(scores []SectionScore) (Overall, error) {
	if len(scores) == 0 {
		return Overall{}, shared.ErrNoSections
	}

	sorted := make([]SectionScore, len(scores))
	copy(sorted, scores)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Section < sorted[j].Section })

	var bands, pcts float64
	for _, s := range sorted {
		bands += s.Band
		pcts += s.Percentage
	}
	n := float64(len(sorted))

	return Overall{
		Band:       RoundBand(bands / n),
		Percentage: Round2(pcts / n),
		Sections:   len(sorted),
	}, nil
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
