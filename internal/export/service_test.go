package export

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

func TestBatchXLSX(t *testing.T) {
	rb := rubric.Rubric{
		ID:    "essay",
		Title: "Essay",
		Criteria: []rubric.Criterion{
			{ID: "thesis", Title: "Thesis", MaxPoints: 4},
			{ID: "evidence", Title: "Evidence", MaxPoints: 6},
		},
	}
	view := pipeline.BatchView{
		ID: uuid.New(),
		Items: []pipeline.ItemView{
			{
				DisplayName: "alice.pdf",
				Fingerprint: "fp-1",
				Status:      constants.JobStatusCompleted,
				Charged:     true,
				Result:      []byte(`{"rubric_id":"essay","scores":{"thesis":{"points":3,"comment":"ok"},"evidence":{"points":5,"comment":"good"}},"summary":"Solid.","total":8,"max_points":10,"percent":80,"grade":"B"}`),
			},
			{
				DisplayName:  "bob.pdf",
				Fingerprint:  "fp-2",
				Status:       constants.JobStatusCompleted,
				ChargeFailed: true,
				Result:       []byte(`{"rubric_id":"essay","scores":{"thesis":{"points":4,"comment":""}},"summary":"","total":4,"max_points":10,"percent":40,"grade":"F"}`),
			},
			{
				DisplayName: "carol.png",
				Fingerprint: "fp-3",
				Status:      constants.JobStatusErrorFinal,
				Message:     "input rejected",
				LastError:   "no text",
			},
		},
	}

	b, err := NewService(nil).BatchXLSX(context.Background(), view, rb)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(GradesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Document", rows[0][0])
	assert.Equal(t, "alice.pdf", rows[1][0])
	assert.Equal(t, "B", rows[1][3])
	assert.Equal(t, "8", rows[1][4])
	assert.Equal(t, "completed, but resource not deducted", rows[2][10])
	assert.Equal(t, "errorFinal (input rejected)", rows[3][2])
	assert.Equal(t, "no text", rows[3][12])

	crit, err := f.GetRows(CriteriaSheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Document", "Thesis (/4)", "Evidence (/6)"}, crit[0])
	assert.Equal(t, []string{"alice.pdf", "3", "5"}, crit[1])
	assert.Equal(t, "4", crit[2][1])
}

func TestBatchXLSXHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewService(nil).BatchXLSX(ctx, pipeline.BatchView{}, rubric.Rubric{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
}
