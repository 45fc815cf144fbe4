package extract

import (
	"context"
	"time"
)

// TextExtractor turns a document reference into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (Result, error)
}

type Result struct {
	Text       string
	Pages      int
	SourceType string // constants.PDF | constants.IMAGE | constants.TXT
	Method     string // "pdf-text" | "pdf-ocr" | "image-ocr" | "plain"
	Language   string
	Duration   time.Duration
	Warnings   []string
}
