package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/gradeflow/internal/common"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	run   func(name string, args []string) ([]byte, []byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	return f.run(name, args)
}

func (f *fakeRunner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.name)
	}
	return out
}

func newTestExtractor(r Runner) *CommandExtractor {
	return NewCommandExtractor(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithRunner(r))
}

func TestPDFWithTextLayer(t *testing.T) {
	r := &fakeRunner{run: func(name string, _ []string) ([]byte, []byte, error) {
		require.Equal(t, "pdftotext", name)
		return []byte("Essay title\n\nThe first paragraph of the essay.\fPage two text"), nil, nil
	}}
	res, err := newTestExtractor(r).Extract(context.Background(), "/docs/essay.PDF")
	require.NoError(t, err)
	assert.Equal(t, "pdf-text", res.Method)
	assert.Equal(t, 2, res.Pages)
	assert.Contains(t, res.Text, "first paragraph")
	assert.Equal(t, []string{"pdftotext"}, r.names())
}

func TestScannedPDFFallsBackToOCR(t *testing.T) {
	r := &fakeRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		switch name {
		case "pdftotext":
			return []byte("  \f "), nil, nil
		case "pdftoppm":
			prefix := args[len(args)-1]
			for _, n := range []string{"1", "2"} {
				require.NoError(t, os.WriteFile(prefix+"-"+n+".png", []byte("png"), 0o600))
			}
			return nil, nil, nil
		case "tesseract":
			return []byte("ocr text of " + filepath.Base(args[0])), nil, nil
		}
		return nil, nil, errors.New("unexpected command " + name)
	}}
	res, err := newTestExtractor(r).Extract(context.Background(), "scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf-ocr", res.Method)
	assert.Equal(t, 2, res.Pages)
	assert.Contains(t, res.Text, "ocr text of page-1.png")
	assert.Contains(t, res.Text, "ocr text of page-2.png")
}

func TestImageOCR(t *testing.T) {
	r := &fakeRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		assert.Equal(t, "tesseract", name)
		assert.Equal(t, []string{"photo.jpg", "stdout", "-l", "eng"}, args)
		return []byte("handwritten   answer\r\n\n\n\nsecond line  "), nil, nil
	}}
	res, err := newTestExtractor(r).Extract(context.Background(), "photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "image-ocr", res.Method)
	assert.Equal(t, "handwritten answer\n\nsecond line", res.Text)
}

func TestHEICIsConvertedBeforeOCR(t *testing.T) {
	r := &fakeRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		switch name {
		case "magick":
			require.Len(t, args, 2)
			assert.Equal(t, "scan.heic", args[0])
			return nil, nil, os.WriteFile(args[1], []byte("png"), 0o600)
		case "tesseract":
			assert.Equal(t, "page.png", filepath.Base(args[0]))
			return []byte("converted answer"), nil, nil
		}
		return nil, nil, fmt.Errorf("unexpected command %s", name)
	}}
	res, err := newTestExtractor(r).Extract(context.Background(), "scan.heic")
	require.NoError(t, err)
	assert.Equal(t, "converted answer", res.Text)
	assert.Equal(t, []string{"magick", "tesseract"}, r.names())
}

func TestPlainText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "answer.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain\tanswer"), 0o600))

	res, err := newTestExtractor(&fakeRunner{}).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "plain answer", res.Text)
}

func TestExtractionFailuresAreClassified(t *testing.T) {
	ctx := context.Background()

	_, err := newTestExtractor(&fakeRunner{}).Extract(ctx, "notes.docx")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	empty := &fakeRunner{run: func(string, []string) ([]byte, []byte, error) { return []byte("   "), nil, nil }}
	_, err = newTestExtractor(empty).Extract(ctx, "blank.png")
	assert.ErrorIs(t, err, common.ErrValidation)

	missing := &fakeRunner{run: func(string, []string) ([]byte, []byte, error) { return nil, nil, exec.ErrNotFound }}
	_, err = newTestExtractor(missing).Extract(ctx, "photo.png")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	slow := &fakeRunner{run: func(string, []string) ([]byte, []byte, error) { return nil, nil, context.DeadlineExceeded }}
	_, err = newTestExtractor(slow).Extract(ctx, "photo.png")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, common.ErrInvalidInput)
}

func TestNormalize(t *testing.T) {
	in := "line one  \r\n-----\n\n\n\nline\ttwo"
	assert.Equal(t, "line one\n\nline two", Normalize(in))
	assert.Equal(t, "", Normalize(""))
}
