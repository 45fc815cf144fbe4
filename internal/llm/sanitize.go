package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/gradeflow/constants"
)

// SanitizeFeedbackJSON repairs the usual model slips before strict validation:
// code fences, prose around the object, numeric strings for points, and loose grade labels.
// It returns the cleaned document and the list of fixes applied.
func SanitizeFeedbackJSON(raw []byte) ([]byte, []string, error) {
	s := strings.TrimSpace(string(raw))
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var fixes []string
	if scores, ok := m["scores"].(map[string]any); ok {
		for id, v := range scores {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if p, ok := entry["points"].(string); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err == nil {
					entry["points"] = f
					fixes = append(fixes, "scores."+id+".points")
				}
			}
		}
	}

	switch g := m["grade"].(type) {
	case nil:
	case string:
		if band, ok := constants.Canonicalize(g); ok {
			if string(band) != g {
				m["grade"] = string(band)
				fixes = append(fixes, "grade")
			}
		} else {
			delete(m, "grade")
			fixes = append(fixes, "grade(dropped)")
		}
	default:
		delete(m, "grade")
		fixes = append(fixes, "grade(dropped)")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, fixes, nil
}
