package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported HEIC converters.
const (
	ConverterHeifConvert = "heif-convert"
	ConverterMagick      = "magick"
	ConverterSips        = "sips"
)

func isHEIC(ext string) bool { return ext == "heic" || ext == "heif" }

// convertHEIC writes a PNG rendition of in to a temp dir. cleanup is non-nil whenever a temp dir was created.
func (e *CommandExtractor) convertHEIC(ctx context.Context, in string) (string, func(), []string, error) {
	tmpDir, err := os.MkdirTemp("", "gradeflow-heic-*")
	if err != nil {
		return "", nil, nil, err
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("failed to remove temp dir", "dir", tmpDir, "error", err)
		}
	}
	out := filepath.Join(tmpDir, "page.png")

	var args []string
	switch filepath.Base(e.cfg.HeicConverter) {
	case ConverterHeifConvert, ConverterMagick:
		args = []string{in, out}
	case ConverterSips:
		args = []string{"-s", "format", "png", in, "--out", out}
	default:
		return "", cleanup, nil, fmt.Errorf("%w: heic converter %q is not one of heif-convert | magick | sips",
			os.ErrNotExist, e.cfg.HeicConverter)
	}
	if _, errb, err := e.runner.Run(ctx, e.cfg.HeicConverter, args...); err != nil {
		return "", cleanup, []string{strings.TrimSpace(string(errb))}, fmt.Errorf("%s: %w", e.cfg.HeicConverter, err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", cleanup, nil, fmt.Errorf("heic conversion produced no output: %w", err)
	}
	e.logger.Debug("converted heic to png", "path", in)
	return out, cleanup, nil, nil
}
