package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/gradeflow/constants"
	"github.com/joseph-ayodele/gradeflow/internal/common"
)

// FSIngestor reads from the local filesystem.
type FSIngestor struct {
	AllowedExts map[string]struct{} // lowercased sans '.'; nil -> constants.AllowedExtensions
	MaxBytes    int64               // 0 = no limit
	logger      *slog.Logger
}

func NewFSIngestor(logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSIngestor{logger: logger}
}

func (i *FSIngestor) allowed(ext string) bool {
	if i.AllowedExts == nil {
		return AllowedExt(ext)
	}
	_, ok := i.AllowedExts[constants.NormalizeExt(ext)]
	return ok
}

func (i *FSIngestor) IngestPath(ctx context.Context, rubricID, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if strings.TrimSpace(rubricID) == "" {
		return Document{}, common.NewAppError("INVALID_RUBRIC", "rubric id is required", common.ErrInvalidInput)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		i.logger.Error("abs path error", "path", path, "error", err)
		return Document{}, err
	}

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !i.allowed(ext) {
		i.logger.Warn("unsupported or missing extension", "path", abs, "ext", ext)
		return Document{}, common.NewAppError("UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported or missing extension %q", ext), common.ErrInvalidInput)
	}

	f, err := os.Open(abs)
	if err != nil {
		i.logger.Error("open error", "path", abs, "error", err)
		return Document{}, err
	}
	defer func(f *os.File) {
		if err := f.Close(); err != nil {
			i.logger.Warn("close file error", "path", abs, "error", err)
		}
	}(f)

	h := sha256.New()
	var src io.Reader = f
	if i.MaxBytes > 0 {
		src = io.LimitReader(f, i.MaxBytes+1)
	}
	n, err := io.Copy(h, src)
	if err != nil {
		i.logger.Error("hash error", "path", abs, "error", err)
		return Document{}, err
	}
	if i.MaxBytes > 0 && n > i.MaxBytes {
		return Document{}, common.NewAppError("FILE_TOO_LARGE", fmt.Sprintf("%s exceeds %d bytes", filepath.Base(abs), i.MaxBytes), common.ErrInvalidInput)
	}
	if n == 0 {
		return Document{}, common.NewAppError("EMPTY_FILE", filepath.Base(abs)+" is empty", common.ErrInvalidInput)
	}

	hashHex := hex.EncodeToString(h.Sum(nil))
	doc := Document{
		Path:        abs,
		DisplayName: filepath.Base(abs),
		Ext:         ext,
		Format:      constants.MapExtToFormat(ext),
		Size:        n,
		HashHex:     hashHex,
		Fingerprint: Fingerprint(hashHex, rubricID),
	}
	i.logger.Debug("document ingested", "path", abs, "fingerprint", doc.Fingerprint, "bytes", n)
	return doc, nil
}

// IngestDirectory walks root, skips hidden entries if requested, and ingests each matching file.
// Files with content identical to an earlier file are returned with Deduplicated set.
func (i *FSIngestor) IngestDirectory(ctx context.Context, rubricID, root string, skipHidden bool) ([]Document, []Failure, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, nil, DirStats{}, common.NewAppError("INVALID_ROOT", "root path is required", common.ErrInvalidInput)
	}

	var (
		docs     []Document
		failures []Failure
		stats    DirStats
	)
	seen := make(map[string]struct{})

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			failures = append(failures, Failure{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !i.allowed(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		doc, err := i.IngestPath(ctx, rubricID, path)
		if err != nil {
			failures = append(failures, Failure{Path: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		if _, dup := seen[doc.Fingerprint]; dup {
			doc.Deduplicated = true
			stats.Deduplicated++
		}
		seen[doc.Fingerprint] = struct{}{}
		docs = append(docs, doc)
		stats.Succeeded++
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		return docs, failures, stats, fmt.Errorf("walk: %w", err)
	}

	i.logger.Info("directory ingested",
		"root", root,
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"deduplicated", stats.Deduplicated,
		"failed", stats.Failed,
	)
	return docs, failures, stats, nil
}
