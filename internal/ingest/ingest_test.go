package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFingerprintIsStable(t *testing.T) {
	a := Fingerprint("abc", "essay")
	assert.Equal(t, a, Fingerprint("abc", "essay"))
	assert.NotEqual(t, a, Fingerprint("abc", "lab"))
	assert.NotEqual(t, a, Fingerprint("abd", "essay"))
}

func TestIngestPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Essay.PDF")
	write(t, path, "%PDF-1.4 content")

	in := NewFSIngestor(quiet())
	doc, err := in.IngestPath(context.Background(), "essay", path)
	require.NoError(t, err)
	assert.Equal(t, "Essay.PDF", doc.DisplayName)
	assert.Equal(t, "pdf", doc.Ext)
	assert.Equal(t, constants.PDF, doc.Format)
	assert.Equal(t, Fingerprint(doc.HashHex, "essay"), doc.Fingerprint)

	// same bytes elsewhere -> same fingerprint
	other := filepath.Join(dir, "copy.pdf")
	write(t, other, "%PDF-1.4 content")
	doc2, err := in.IngestPath(context.Background(), "essay", other)
	require.NoError(t, err)
	assert.Equal(t, doc.Fingerprint, doc2.Fingerprint)
}

func TestIngestPathRejects(t *testing.T) {
	dir := t.TempDir()
	in := NewFSIngestor(quiet())
	in.MaxBytes = 4
	ctx := context.Background()

	write(t, filepath.Join(dir, "a.docx"), "x")
	_, err := in.IngestPath(ctx, "r", filepath.Join(dir, "a.docx"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	write(t, filepath.Join(dir, "empty.txt"), "")
	_, err = in.IngestPath(ctx, "r", filepath.Join(dir, "empty.txt"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	write(t, filepath.Join(dir, "big.txt"), "12345")
	_, err = in.IngestPath(ctx, "r", filepath.Join(dir, "big.txt"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	write(t, filepath.Join(dir, "ok.txt"), "1234")
	_, err = in.IngestPath(ctx, "", filepath.Join(dir, "ok.txt"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestIngestDirectory(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.txt"), "alpha")
	write(t, filepath.Join(root, "sub", "b.png"), "beta")
	write(t, filepath.Join(root, "sub", "dup.txt"), "alpha")
	write(t, filepath.Join(root, "notes.md"), "ignored")
	write(t, filepath.Join(root, ".hidden", "c.txt"), "hidden")
	write(t, filepath.Join(root, "empty.txt"), "")

	docs, failures, stats, err := NewFSIngestor(quiet()).IngestDirectory(context.Background(), "essay", root, true)
	require.NoError(t, err)

	assert.Len(t, docs, 3)
	assert.Len(t, failures, 1)
	assert.Equal(t, uint32(4), stats.Matched)
	assert.Equal(t, uint32(3), stats.Succeeded)
	assert.Equal(t, uint32(1), stats.Deduplicated)
	assert.Equal(t, uint32(1), stats.Failed)

	var dups int
	for _, d := range docs {
		if d.Deduplicated {
			dups++
			assert.Equal(t, "dup.txt", d.DisplayName)
		}
	}
	assert.Equal(t, 1, dups)
}

func TestWatchEmitsNewFiles(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "existing.txt"), "already here")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := Watch(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 20 * time.Millisecond}, quiet())
	require.NoError(t, err)

	select {
	case p := <-events:
		assert.Equal(t, filepath.Join(root, "existing.txt"), p)
	case <-time.After(2 * time.Second):
		t.Fatal("initial scan did not emit")
	}

	write(t, filepath.Join(root, "skip.md"), "not a document")
	write(t, filepath.Join(root, "new.pdf"), "%PDF")
	select {
	case p := <-events:
		assert.Equal(t, filepath.Join(root, "new.pdf"), p)
	case <-time.After(3 * time.Second):
		t.Fatal("new file was not emitted")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}
