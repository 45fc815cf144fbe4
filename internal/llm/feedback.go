package llm

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

// FinalizeFeedback decodes validated model output and fills in the derived totals for r.
// A grade the model supplied wins over the percentage band.
func FinalizeFeedback(r rubric.Rubric, validated []byte) (Feedback, error) {
	var raw struct {
		Scores  map[string]CriterionScore `json:"scores"`
		Summary string                    `json:"summary"`
		Grade   string                    `json:"grade"`
	}
	if err := json.Unmarshal(validated, &raw); err != nil {
		return Feedback{}, fmt.Errorf("decode feedback: %w", err)
	}

	fb := Feedback{
		RubricID:  r.ID,
		Scores:    raw.Scores,
		Summary:   raw.Summary,
		MaxPoints: r.MaxPoints(),
	}
	for _, c := range r.Criteria {
		fb.Total += fb.Scores[c.ID].Points
	}
	if fb.MaxPoints > 0 {
		fb.Percent = math.Round(fb.Total/float64(fb.MaxPoints)*1000) / 10
	}
	if band, ok := constants.Canonicalize(raw.Grade); ok {
		fb.Grade = string(band)
	} else {
		fb.Grade = string(constants.BandForPercent(fb.Percent))
	}
	return fb, nil
}

// DecodeFeedback reads a stored result.
func DecodeFeedback(b []byte) (Feedback, error) {
	var fb Feedback
	if err := json.Unmarshal(b, &fb); err != nil {
		return Feedback{}, fmt.Errorf("decode stored feedback: %w", err)
	}
	return fb, nil
}
