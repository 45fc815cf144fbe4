package rubric

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/joseph-ayodele/gradeflow/internal/common"
)

// Registry holds rubrics by id.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Rubric
}

func NewRegistry(rubrics ...Rubric) (*Registry, error) {
	r := &Registry{byID: make(map[string]Rubric)}
	for _, rb := range rubrics {
		if err := r.Add(rb); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadDir reads every *.yaml / *.yml file in dir.
func LoadDir(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rubric dir: %w", err)
	}
	reg, _ := NewRegistry()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		rb, err := LoadFile(path)
		if err != nil {
			logger.Error("failed to load rubric", "path", path, "error", err)
			return nil, err
		}
		if err := reg.Add(rb); err != nil {
			return nil, fmt.Errorf("rubric %s: %w", path, err)
		}
		logger.Info("rubric loaded", "id", rb.ID, "criteria", len(rb.Criteria), "max_points", rb.MaxPoints())
	}
	return reg, nil
}

func (r *Registry) Add(rb Rubric) error {
	if err := rb.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rb.ID]; exists {
		return common.ConflictErrorf("rubric %q already registered", rb.ID)
	}
	r.byID[rb.ID] = rb
	return nil
}

func (r *Registry) Get(id string) (Rubric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rb, ok := r.byID[id]
	if !ok {
		return Rubric{}, common.NotFoundErrorf("rubric %q", id)
	}
	return rb, nil
}

// List returns rubrics sorted by id.
func (r *Registry) List() []Rubric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rubric, 0, len(r.byID))
	for _, rb := range r.byID {
		out = append(out, rb)
	}
	slices.SortFunc(out, func(a, b Rubric) int { return strings.Compare(a.ID, b.ID) })
	return out
}
