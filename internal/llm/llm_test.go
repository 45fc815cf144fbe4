package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

func testRubric() rubric.Rubric {
	return rubric.Rubric{
		ID:    "essay",
		Title: "Essay",
		Criteria: []rubric.Criterion{
			{ID: "thesis", Title: "Thesis", MaxPoints: 4},
			{ID: "evidence", Title: "Evidence", MaxPoints: 6},
		},
	}
}

func TestFeedbackSchema(t *testing.T) {
	schema := BuildFeedbackSchema(testRubric())

	valid := `{"scores":{"thesis":{"points":3,"comment":"Clear."},"evidence":{"points":5.5,"comment":"Cite more."}},"summary":"Good work.","grade":"B"}`
	require.NoError(t, ValidateJSONAgainstSchema(schema, []byte(valid)))

	cases := map[string]string{
		"missing criterion": `{"scores":{"thesis":{"points":3,"comment":"x"}},"summary":"s"}`,
		"over max":          `{"scores":{"thesis":{"points":5,"comment":"x"},"evidence":{"points":1,"comment":"y"}},"summary":"s"}`,
		"negative":          `{"scores":{"thesis":{"points":-1,"comment":"x"},"evidence":{"points":1,"comment":"y"}},"summary":"s"}`,
		"unknown criterion": `{"scores":{"thesis":{"points":1,"comment":"x"},"evidence":{"points":1,"comment":"y"},"style":{"points":1,"comment":"z"}},"summary":"s"}`,
		"bad grade":         `{"scores":{"thesis":{"points":1,"comment":"x"},"evidence":{"points":1,"comment":"y"}},"summary":"s","grade":"Z"}`,
		"no summary":        `{"scores":{"thesis":{"points":1,"comment":"x"},"evidence":{"points":1,"comment":"y"}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateJSONAgainstSchema(schema, []byte(doc)))
		})
	}
}

func TestSanitizeFeedbackJSON(t *testing.T) {
	raw := "```json\n{\"scores\":{\"thesis\":{\"points\":\"3\",\"comment\":\"ok\"}},\"summary\":\"s\",\"grade\":\"b+\"}\n```"
	cleaned, fixes, err := SanitizeFeedbackJSON([]byte(raw))
	require.NoError(t, err)
	assert.JSONEq(t, `{"scores":{"thesis":{"points":3,"comment":"ok"}},"summary":"s","grade":"B"}`, string(cleaned))
	assert.ElementsMatch(t, []string{"scores.thesis.points", "grade"}, fixes)

	cleaned, fixes, err = SanitizeFeedbackJSON([]byte(`Here you go: {"summary":"s","grade":"outstanding"} thanks`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"s"}`, string(cleaned))
	assert.Equal(t, []string{"grade(dropped)"}, fixes)

	_, _, err = SanitizeFeedbackJSON([]byte("no json here"))
	assert.Error(t, err)
}

func TestFinalizeFeedback(t *testing.T) {
	r := testRubric()

	fb, err := FinalizeFeedback(r, []byte(`{"scores":{"thesis":{"points":4,"comment":"a"},"evidence":{"points":5,"comment":"b"}},"summary":"s"}`))
	require.NoError(t, err)
	assert.Equal(t, 9.0, fb.Total)
	assert.Equal(t, 10, fb.MaxPoints)
	assert.Equal(t, 90.0, fb.Percent)
	assert.Equal(t, "A", fb.Grade)
	assert.Equal(t, "essay", fb.RubricID)

	fb, err = FinalizeFeedback(r, []byte(`{"scores":{"thesis":{"points":1,"comment":"a"},"evidence":{"points":1,"comment":"b"}},"summary":"s","grade":"C"}`))
	require.NoError(t, err)
	assert.Equal(t, 20.0, fb.Percent)
	assert.Equal(t, "C", fb.Grade, "model grade wins")
}

func TestBuildPrompts(t *testing.T) {
	sys := BuildSystemPrompt(testRubric())
	assert.Contains(t, sys, "- thesis (Thesis): 0 to 4 points.")
	assert.Contains(t, sys, "- evidence (Evidence): 0 to 6 points.")

	long := make([]rune, MaxPromptChars+10)
	for i := range long {
		long[i] = 'x'
	}
	user := BuildUserPrompt("essay.pdf", string(long))
	assert.Contains(t, user, "Submission: essay.pdf")
	assert.Contains(t, user, "[truncated]")
}
