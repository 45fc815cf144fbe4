package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/core/guard"
	"github.com/joseph-ayodele/gradeflow/internal/core/retry"
)

// Stages an item can sit in besides the two queues.
const (
	StageAdmission = "admission"
	StageStore     = "store"
)

// Document is one item of a submission. Fingerprint is computed by the caller (see ingest.Fingerprint).
type Document struct {
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name"`
	Path        string `json:"path"`
}

type SubmitRequest struct {
	AccountID string     `json:"account_id"`
	RubricID  string     `json:"rubric_id"`
	Documents []Document `json:"documents"`
}

// CompletionFunc is the completion action. It runs once per batch, when every item is terminal.
type CompletionFunc func(BatchView)

// ItemView is the caller-facing state of one submitted document.
type ItemView struct {
	Fingerprint    string              `json:"fingerprint"`
	DisplayName    string              `json:"display_name"`
	Admission      guard.Reason        `json:"admission"`
	Stage          string              `json:"stage"`
	Status         constants.JobStatus `json:"status"`
	Terminal       bool                `json:"terminal"`
	RetryCount     int                 `json:"retry_count"`
	LastError      string              `json:"last_error,omitempty"`
	LastHTTPStatus int                 `json:"last_http_status,omitempty"`
	Message        string              `json:"message,omitempty"`
	Result         json.RawMessage     `json:"result,omitempty"`
	// Frozen is set when the result came from a stored entry instead of this item's own analysis.
	Frozen  bool `json:"frozen"`
	Charged bool `json:"charged"`
	// ChargeFailed means completed, but resource not deducted.
	ChargeFailed bool   `json:"charge_failed"`
	ChargeError  string `json:"charge_error,omitempty"`
}

type BatchView struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   string     `json:"account_id"`
	RubricID    string     `json:"rubric_id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Done        bool       `json:"done"`
	Items       []ItemView `json:"items"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	Charged     int        `json:"charged"`
}

type item struct {
	doc       Document
	decided   bool
	admission guard.Reason
	err       error
	// final is the view kept once the item's jobs have left the queues.
	final *ItemView
}

type batch struct {
	id          uuid.UUID
	accountID   string
	rubricID    string
	createdAt   time.Time
	items       []*item
	sealed      bool
	fired       bool
	completedAt time.Time
	done        CompletionFunc
}

type chargeRecord struct {
	ok  bool
	err string
}

func failureMessage(kind retry.Kind) string {
	return retry.Classification{Kind: kind}.Message()
}
