package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/gradeflow/internal/llm"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

const (
	GradesSheet   = "Grades"
	CriteriaSheet = "Criteria"
)

// Service renders batch views into XLSX reports.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// BatchXLSX returns a workbook with one row per item on the Grades sheet and one column per rubric criterion on
// the Criteria sheet. Items without a result are listed with their status and last error.
func (s *Service) BatchXLSX(ctx context.Context, view pipeline.BatchView, rb rubric.Rubric) ([]byte, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", GradesSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(CriteriaSheet); err != nil {
		return nil, fmt.Errorf("new sheet: %w", err)
	}
	idx, _ := f.GetSheetIndex(GradesSheet)
	f.SetActiveSheet(idx)

	headers := []string{
		"Document",
		"Fingerprint",
		"Status",
		"Grade",
		"Total",
		"Max Points",
		"Percent",
		"Summary",
		"From Store",
		"Charged",
		"Charge Note",
		"Retries",
		"Last Error",
	}
	writeRow(f, GradesSheet, 1, toAny(headers)...)

	criteriaHeaders := []any{"Document"}
	for _, c := range rb.Criteria {
		criteriaHeaders = append(criteriaHeaders, fmt.Sprintf("%s (/%d)", c.Title, c.MaxPoints))
	}
	writeRow(f, CriteriaSheet, 1, criteriaHeaders...)

	row := 2
	graded := 0
	for _, it := range view.Items {
		var fb llm.Feedback
		hasResult := false
		if len(it.Result) > 0 {
			if decoded, err := llm.DecodeFeedback(it.Result); err == nil {
				fb, hasResult = decoded, true
			} else {
				s.logger.Warn("export.decode_failed", "fingerprint", it.Fingerprint, "error", err)
			}
		}

		chargeNote := ""
		if it.ChargeFailed {
			chargeNote = "completed, but resource not deducted"
		}
		status := string(it.Status)
		if it.Message != "" && !hasResult {
			status = fmt.Sprintf("%s (%s)", status, it.Message)
		}

		if hasResult {
			graded++
			writeRow(f, GradesSheet, row,
				it.DisplayName, it.Fingerprint, status,
				fb.Grade, fb.Total, fb.MaxPoints, fb.Percent, truncate(fb.Summary, 240),
				it.Frozen, it.Charged, chargeNote, it.RetryCount, it.LastError,
			)
			scores := []any{it.DisplayName}
			for _, c := range rb.Criteria {
				if sc, ok := fb.Scores[c.ID]; ok {
					scores = append(scores, sc.Points)
				} else {
					scores = append(scores, "")
				}
			}
			writeRow(f, CriteriaSheet, row, scores...)
		} else {
			writeRow(f, GradesSheet, row,
				it.DisplayName, it.Fingerprint, status,
				"", "", "", "", "",
				it.Frozen, it.Charged, chargeNote, it.RetryCount, it.LastError,
			)
			writeRow(f, CriteriaSheet, row, it.DisplayName)
		}
		row++
	}

	_ = f.SetColWidth(GradesSheet, "A", "A", 32)
	_ = f.SetColWidth(GradesSheet, "B", "B", 38)
	_ = f.SetColWidth(GradesSheet, "C", "C", 24)
	_ = f.SetColWidth(GradesSheet, "H", "H", 60)
	_ = f.SetColWidth(GradesSheet, "K", "K", 36)
	_ = f.SetColWidth(GradesSheet, "M", "M", 48)
	_ = f.SetColWidth(CriteriaSheet, "A", "A", 32)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", view.ID.String(),
		"rows", len(view.Items),
		"graded", graded,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
