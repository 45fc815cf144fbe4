package llm

import (
	"context"

	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

// CriterionScore is the model's assessment of one rubric criterion.
type CriterionScore struct {
	Points  float64 `json:"points"`
	Comment string  `json:"comment"`
}

// Feedback is the structured result of one analysis. It is what gets frozen in the fingerprint store.
type Feedback struct {
	RubricID  string                    `json:"rubric_id"`
	Scores    map[string]CriterionScore `json:"scores"`
	Summary   string                    `json:"summary"`
	Total     float64                   `json:"total"`
	MaxPoints int                       `json:"max_points"`
	Percent   float64                   `json:"percent"`
	Grade     string                    `json:"grade"`
	Model     string                    `json:"model,omitempty"`
}

type AnalyzeRequest struct {
	Fingerprint string
	DisplayName string
	Text        string
	Rubric      rubric.Rubric
}

// Analyzer grades extracted text against a rubric. Errors carry a retry.StatusError when the upstream
// answered with a status.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (Feedback, error)
}
