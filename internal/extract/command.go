package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

type Config struct {
	Pdftotext     string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm      string // if empty -> "pdftoppm"
	Tesseract     string // if empty -> "tesseract"
	HeicConverter string // heif-convert | magick | sips; default "magick"
	TesseractLang string // default "eng"
	TessdataDir   string
	DPI           int // rasterization DPI for scanned PDFs, default 300
	MaxPages      int // 0 = no limit
	// MinTextChars below which a PDF text layer is considered missing and the pages are OCR'd.
	MinTextChars int
}

// CommandExtractor extracts text with poppler and tesseract.
type CommandExtractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

type Option func(*CommandExtractor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(e *CommandExtractor) {
		if r != nil {
			e.runner = r
		}
	}
}

func NewCommandExtractor(cfg Config, logger *slog.Logger, opts ...Option) *CommandExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.HeicConverter == "" {
		cfg.HeicConverter = ConverterMagick
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 20
	}
	e := &CommandExtractor{cfg: cfg, logger: logger}
	e.runner = execRunner{logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract picks a strategy based on file extension. Empty output is a validation error.
func (e *CommandExtractor) Extract(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	ext := constants.NormalizeExt(filepath.Ext(path))
	e.logger.Debug("starting extraction", "path", path, "ext", ext)

	var (
		res Result
		err error
	)
	switch constants.MapExtToFormat(ext) {
	case constants.PDF:
		res, err = e.extractPDF(ctx, path)
	case constants.IMAGE:
		res, err = e.extractImage(ctx, path, ext)
	case constants.TXT:
		res, err = e.extractPlain(path)
	default:
		e.logger.Error("unsupported extension", "path", path, "extension", ext)
		return Result{}, common.NewAppError("UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported extension %q", ext), common.ErrInvalidInput)
	}
	res.Duration = time.Since(start)
	if err != nil {
		return res, classifyExecError(err)
	}
	res.Text = Normalize(res.Text)
	if res.Text == "" {
		return res, common.NewAppError("EMPTY_TEXT", "no text could be extracted from "+filepath.Base(path), common.ErrValidation)
	}
	e.logger.Info("extraction done",
		"path", path,
		"method", res.Method,
		"pages", res.Pages,
		"chars", utf8.RuneCountInString(res.Text),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func (e *CommandExtractor) extractPDF(ctx context.Context, path string) (Result, error) {
	res := Result{SourceType: constants.PDF, Language: e.cfg.TesseractLang}

	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		res.Warnings = append(res.Warnings, strings.TrimSpace(string(errb)))
		return res, fmt.Errorf("pdftotext: %w", err)
	}
	text := string(out)
	if utf8.RuneCountInString(strings.TrimSpace(text)) >= e.cfg.MinTextChars {
		res.Text = text
		res.Pages = 1 + strings.Count(strings.TrimRight(text, "\f"), "\f")
		res.Method = "pdf-text"
		return res, nil
	}

	e.logger.Info("pdf has no usable text layer, falling back to ocr", "path", path)
	text, pages, warns, err := e.pdfToOCR(ctx, path)
	res.Warnings = append(res.Warnings, warns...)
	if err != nil {
		return res, err
	}
	res.Text, res.Pages, res.Method = text, pages, "pdf-ocr"
	return res, nil
}

func (e *CommandExtractor) pdfToOCR(ctx context.Context, path string) (string, int, []string, error) {
	tmpDir, err := os.MkdirTemp("", "gradeflow-pp-*")
	if err != nil {
		return "", 0, nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("failed to remove temp dir", "dir", tmpDir, "error", err)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	if _, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, "-r", strconv.Itoa(e.cfg.DPI), "-png", path, prefix); err != nil {
		return "", 0, []string{strings.TrimSpace(string(errb))}, fmt.Errorf("pdftoppm: %w", err)
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if e.cfg.MaxPages > 0 && len(matches) > e.cfg.MaxPages {
		matches = matches[:e.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return "", 0, []string{"pdftoppm produced no images"}, errors.New("no pages rendered")
	}

	var b strings.Builder
	var warns []string
	for _, img := range matches {
		txt, err := e.tesseract(ctx, img)
		if err != nil {
			warns = append(warns, err.Error())
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(txt)
	}
	return b.String(), len(matches), warns, nil
}

func (e *CommandExtractor) extractImage(ctx context.Context, path, ext string) (Result, error) {
	res := Result{SourceType: constants.IMAGE, Method: "image-ocr", Pages: 1, Language: e.cfg.TesseractLang}
	if isHEIC(ext) {
		png, cleanup, warns, err := e.convertHEIC(ctx, path)
		if cleanup != nil {
			defer cleanup()
		}
		res.Warnings = append(res.Warnings, warns...)
		if err != nil {
			return res, err
		}
		path = png
	}
	txt, err := e.tesseract(ctx, path)
	if err != nil {
		return res, err
	}
	res.Text = txt
	return res, nil
}

func (e *CommandExtractor) extractPlain(path string) (Result, error) {
	res := Result{SourceType: constants.TXT, Method: "plain", Pages: 1}
	b, err := os.ReadFile(path)
	if err != nil {
		return res, err
	}
	if !utf8.Valid(b) {
		return res, common.NewAppError("INVALID_ENCODING", "text file is not valid UTF-8", common.ErrValidation)
	}
	res.Text = string(b)
	return res, nil
}

func (e *CommandExtractor) tesseract(ctx context.Context, path string) (string, error) {
	// tesseract <file> stdout -l <lang>
	args := []string{path, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	out, _, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return string(out), nil
}

// classifyExecError marks local, deterministic failures as invalid input so they are not retried.
// Timeouts keep their context error and are retried as transient.
func classifyExecError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", common.ErrInvalidInput, err)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %w", common.ErrInvalidInput, err)
		}
		return err
	}
}
