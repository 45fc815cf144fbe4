package llm

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

// MaxPromptChars caps how much extracted text is sent to the model.
const MaxPromptChars = 12000

// BuildSystemPrompt describes the grading task and the rubric.
func BuildSystemPrompt(r rubric.Rubric) string {
	var b strings.Builder
	b.WriteString("You are a careful teaching assistant grading student work against a rubric. ")
	b.WriteString("Return ONLY JSON that matches the provided JSON Schema. Never output null.\n")
	if s := strings.TrimSpace(r.Subject); s != "" {
		b.WriteString("Subject: " + s + "\n")
	}
	b.WriteString("Rubric: " + r.Title + "\n")
	if in := strings.TrimSpace(r.Instructions); in != "" {
		b.WriteString("Instructions: " + in + "\n")
	}
	b.WriteString("Criteria (score each one under scores.<id>):\n")
	for _, c := range r.Criteria {
		fmt.Fprintf(&b, "- %s (%s): 0 to %d points.", c.ID, c.Title, c.MaxPoints)
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(" " + d)
		}
		b.WriteString("\n")
	}
	b.WriteString("Each comment must be one or two sentences of actionable feedback addressed to the student. ")
	b.WriteString("'summary' is a short overall comment. 'grade' is optional: one of A, B, C, D, F.")
	return b.String()
}

// BuildUserPrompt wraps the submission text, truncated to MaxPromptChars.
func BuildUserPrompt(displayName, text string) string {
	var b strings.Builder
	if displayName != "" {
		b.WriteString("Submission: " + displayName + "\n")
	}
	b.WriteString("\nStudent work:\n")
	if r := []rune(text); len(r) > MaxPromptChars {
		b.WriteString(string(r[:MaxPromptChars]))
		b.WriteString("\n[truncated]")
	} else {
		b.WriteString(text)
	}
	return b.String()
}
