package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/gradeflow/internal/common"
	"github.com/joseph-ayodele/gradeflow/internal/export"
	"github.com/joseph-ayodele/gradeflow/internal/ingest"
	"github.com/joseph-ayodele/gradeflow/internal/pipeline"
	"github.com/joseph-ayodele/gradeflow/internal/rubric"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type BatchHandler struct {
	coord    *pipeline.Coordinator
	ingestor ingest.Ingestor
	rubrics  *rubric.Registry
	exporter *export.Service
	logger   *slog.Logger
}

// SubmitBatchRequest names files on the server's filesystem. Paths and Dir may be combined.
type SubmitBatchRequest struct {
	AccountID  string   `json:"account_id"`
	RubricID   string   `json:"rubric_id"`
	Paths      []string `json:"paths"`
	Dir        string   `json:"dir"`
	SkipHidden *bool    `json:"skip_hidden"`
}

type IngestSummary struct {
	Documents int              `json:"documents"`
	Stats     *ingest.DirStats `json:"stats,omitempty"`
	Failures  []ingest.Failure `json:"failures,omitempty"`
}

type SubmitBatchResponse struct {
	Batch  pipeline.BatchView `json:"batch"`
	Ingest IngestSummary      `json:"ingest"`
}

// POST /v1/batches
func (h *BatchHandler) SubmitBatch(c *gin.Context) {
	var req SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	req.Dir = strings.TrimSpace(req.Dir)
	if len(req.Paths) == 0 && req.Dir == "" {
		RespondError(c, http.StatusBadRequest, "no_documents", errors.New("paths or dir is required"))
		return
	}
	if _, err := h.rubrics.Get(req.RubricID); err != nil {
		RespondAppError(c, common.NewAppError("VALIDATION_ERROR", err.Error(), common.ErrValidation))
		return
	}

	ctx := c.Request.Context()
	var docs []ingest.Document
	summary := IngestSummary{}
	for _, p := range req.Paths {
		d, err := h.ingestor.IngestPath(ctx, req.RubricID, strings.TrimSpace(p))
		if err != nil {
			summary.Failures = append(summary.Failures, ingest.Failure{Path: p, Err: err.Error()})
			continue
		}
		docs = append(docs, d)
	}
	if req.Dir != "" {
		skipHidden := true
		if req.SkipHidden != nil {
			skipHidden = *req.SkipHidden
		}
		found, failures, stats, err := h.ingestor.IngestDirectory(ctx, req.RubricID, req.Dir, skipHidden)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "ingest_failed", err)
			return
		}
		docs = append(docs, found...)
		summary.Failures = append(summary.Failures, failures...)
		summary.Stats = &stats
	}
	summary.Documents = len(docs)
	if len(docs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  APIError{Message: "no document could be ingested", Code: "no_documents"},
			"ingest": summary,
		})
		return
	}

	view, err := h.coord.Submit(ctx, pipeline.SubmitRequest{
		AccountID: req.AccountID,
		RubricID:  req.RubricID,
		Documents: toPipelineDocs(docs),
	}, h.onBatchDone)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitBatchResponse{Batch: view, Ingest: summary})
}

func (h *BatchHandler) onBatchDone(v pipeline.BatchView) {
	h.logger.Info("pipeline.batch.completion",
		"batch_id", v.ID,
		"account_id", v.AccountID,
		"completed", v.Completed,
		"failed", v.Failed,
		"charged", v.Charged,
	)
}

func toPipelineDocs(docs []ingest.Document) []pipeline.Document {
	out := make([]pipeline.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, pipeline.Document{Fingerprint: d.Fingerprint, DisplayName: d.DisplayName, Path: d.Path})
	}
	return out
}

// GET /v1/batches
func (h *BatchHandler) ListBatches(c *gin.Context) {
	RespondOK(c, gin.H{"batches": h.coord.Batches()})
}

// GET /v1/batches/:id
func (h *BatchHandler) GetBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	view, err := h.coord.Batch(id)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"batch": view})
}

// GET /v1/batches/:id/report.xlsx
func (h *BatchHandler) ExportBatch(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_batch_id", err)
		return
	}
	view, err := h.coord.Batch(id)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	rb, err := h.rubrics.Get(view.RubricID)
	if err != nil {
		RespondAppError(c, err)
		return
	}
	xlsx, err := h.exporter.BatchXLSX(c.Request.Context(), view, rb)
	if err != nil {
		h.logger.Error("export.xlsx.failed", "batch_id", id, "error", err)
		RespondError(c, http.StatusInternalServerError, "export_failed", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="batch-%s.xlsx"`, id))
	c.Data(http.StatusOK, xlsxContentType, xlsx)
}

// POST /v1/jobs/:fingerprint/retry
func (h *BatchHandler) RetryJob(c *gin.Context) {
	item, err := h.coord.Retry(c.Request.Context(), c.Param("fingerprint"))
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"item": item})
}

// POST /v1/jobs/:fingerprint/release
func (h *BatchHandler) ReleaseJob(c *gin.Context) {
	fp := c.Param("fingerprint")
	if !h.coord.Release(fp) {
		RespondError(c, http.StatusConflict, "not_releasable", fmt.Errorf("fingerprint %s is queued or not in the session", fp))
		return
	}
	RespondOK(c, gin.H{"released": fp})
}

// POST /v1/resume
func (h *BatchHandler) Resume(c *gin.Context) {
	n, err := h.coord.Resume(c.Request.Context())
	if err != nil {
		RespondAppError(c, err)
		return
	}
	RespondOK(c, gin.H{"added": n})
}

// GET /v1/rubrics
func (h *BatchHandler) ListRubrics(c *gin.Context) {
	RespondOK(c, gin.H{"rubrics": h.rubrics.List()})
}
