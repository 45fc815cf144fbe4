// Package ingest turns files on disk into fingerprinted documents ready for submission.
package ingest

import (
	"context"

	"github.com/google/uuid"
)

// fingerprintSpace namespaces fingerprint UUIDs.
var fingerprintSpace = uuid.MustParse("6f1c2a8e-5b0d-4c61-9a43-2f7e8d1b9c05")

// Document is one ingested file.
type Document struct {
	Path        string
	DisplayName string
	Ext         string
	Format      string // constants.PDF | constants.IMAGE | constants.TXT
	Size        int64
	HashHex     string
	Fingerprint string
	// Deduplicated is set when an earlier document in the same ingest had identical content.
	Deduplicated bool
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// Failure is a file that could not be ingested.
type Failure struct {
	Path string
	Err  string
}

// Fingerprint is the stable identity of grading content hashHex against rubricID.
// The same bytes under the same rubric always yield the same fingerprint.
func Fingerprint(hashHex, rubricID string) string {
	return uuid.NewSHA1(fingerprintSpace, []byte(rubricID+"\x00"+hashHex)).String()
}

// Ingestor is the behavior the CLI and API depend on.
type Ingestor interface {
	IngestPath(ctx context.Context, rubricID, path string) (Document, error)
	IngestDirectory(ctx context.Context, rubricID, root string, skipHidden bool) ([]Document, []Failure, DirStats, error)
}
