package constants

import "strings"

type GradeBand string

const (
	GradeA GradeBand = "A"
	GradeB GradeBand = "B"
	GradeC GradeBand = "C"
	GradeD GradeBand = "D"
	GradeF GradeBand = "F"
)

// BandForPercent maps a 0..100 score onto a letter band.
func BandForPercent(pct float64) GradeBand {
	switch {
	case pct >= 90:
		return GradeA
	case pct >= 80:
		return GradeB
	case pct >= 70:
		return GradeC
	case pct >= 60:
		return GradeD
	default:
		return GradeF
	}
}

// Canonicalize normalizes a band label returned by the analysis model ("a-", " b+ ", "Pass").
func Canonicalize(input string) (GradeBand, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(input))
	normalized = strings.TrimRight(normalized, "+-")
	switch GradeBand(normalized) {
	case GradeA, GradeB, GradeC, GradeD, GradeF:
		return GradeBand(normalized), true
	}
	synonyms := map[string]GradeBand{
		"EXCELLENT": GradeA,
		"GOOD":      GradeB,
		"FAIR":      GradeC,
		"POOR":      GradeD,
		"FAIL":      GradeF,
	}
	if b, ok := synonyms[normalized]; ok {
		return b, true
	}
	return "", false
}
