// Package rubric loads grading rubrics from YAML.
package rubric

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/gradeflow/internal/common"
)

type Criterion struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	MaxPoints   int    `yaml:"max_points" json:"max_points"`
}

type Rubric struct {
	ID           string      `yaml:"id" json:"id"`
	Title        string      `yaml:"title" json:"title"`
	Subject      string      `yaml:"subject,omitempty" json:"subject,omitempty"`
	Instructions string      `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	Criteria     []Criterion `yaml:"criteria" json:"criteria"`
}

// MaxPoints is the sum of all criteria.
func (r Rubric) MaxPoints() int {
	total := 0
	for _, c := range r.Criteria {
		total += c.MaxPoints
	}
	return total
}

func (r Rubric) Validate() error {
	v := common.NewValidator().
		Field("id", r.ID, common.Required, common.MaxLength(64)).
		Field("title", r.Title, common.Required, common.MaxLength(200)).
		Field("criteria", len(r.Criteria), common.MinItems(1))

	seen := make(map[string]struct{}, len(r.Criteria))
	for i, c := range r.Criteria {
		name := fmt.Sprintf("criteria[%d]", i)
		v.Field(name+".id", c.ID, common.Required, common.MaxLength(64))
		v.Field(name+".title", c.Title, common.Required)
		v.Field(name+".max_points", c.MaxPoints, positive)
		if _, dup := seen[c.ID]; dup && c.ID != "" {
			v.Field(name+".id", c.ID, func(field string, value interface{}) *common.ValidationError {
				return &common.ValidationError{Field: field, Value: value, Message: "is duplicated"}
			})
		}
		seen[c.ID] = struct{}{}
	}
	return v.Err()
}

func positive(field string, value interface{}) *common.ValidationError {
	if n, ok := value.(int); !ok || n <= 0 {
		return &common.ValidationError{Field: field, Value: value, Message: "must be a positive integer"}
	}
	return nil
}

// Parse decodes and validates one rubric document.
func Parse(b []byte) (Rubric, error) {
	var r Rubric
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Rubric{}, common.NewAppError("RUBRIC_PARSE", "decode rubric", fmt.Errorf("%w: %w", common.ErrInvalidInput, err))
	}
	r.ID = strings.TrimSpace(r.ID)
	if err := r.Validate(); err != nil {
		return Rubric{}, err
	}
	return r, nil
}

func LoadFile(path string) (Rubric, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("read rubric %s: %w", path, err)
	}
	r, err := Parse(b)
	if err != nil {
		return Rubric{}, fmt.Errorf("rubric %s: %w", path, err)
	}
	return r, nil
}
