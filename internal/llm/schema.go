package llm

import (
	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

// BuildFeedbackSchema returns the JSON-Schema the model output must satisfy for r.
// Every criterion is required and its points are bounded by the criterion's max.
func BuildFeedbackSchema(r rubric.Rubric) map[string]any {
	scoreProps := make(map[string]any, len(r.Criteria))
	required := make([]string, 0, len(r.Criteria))
	for _, c := range r.Criteria {
		scoreProps[c.ID] = map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"points":  map[string]any{"type": "number", "minimum": 0, "maximum": c.MaxPoints},
				"comment": map[string]any{"type": "string", "minLength": 1},
			},
			"required": []string{"points", "comment"},
		}
		required = append(required, c.ID)
	}

	grades := []string{
		string(constants.GradeA), string(constants.GradeB), string(constants.GradeC),
		string(constants.GradeD), string(constants.GradeF),
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"scores": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           scoreProps,
				"required":             required,
			},
			"summary": map[string]any{"type": "string", "minLength": 1},
			"grade":   map[string]any{"type": "string", "enum": grades},
		},
		"required": []string{"scores", "summary"},
	}
}
