// Package features reconciles a project's feature_list.json with the cache
// and detects newly completed features.
package features

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/p-blackswan/ijoka/internal/models"
)

// FileName is the feature list file inside a project directory.
const FileName = "feature_list.json"

// DefaultCategory applies when an entry has no category.
const DefaultCategory = "functional"

// Entry is one element of feature_list.json. Every field is optional.
type Entry struct {
	Description *string  `json:"description,omitempty"`
	Category    *string  `json:"category,omitempty"`
	Passes      *bool    `json:"passes,omitempty"`
	InProgress  *bool    `json:"inProgress,omitempty"`
	Agent       *string  `json:"agent,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// UnmarshalJSON decodes an entry field by field. A field of the wrong type
// is treated as absent, and a non-object element takes every default.
func (e *Entry) UnmarshalJSON(data []byte) error {
	*e = Entry{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	e.Description = field[string](fields["description"])
	e.Category = field[string](fields["category"])
	e.Passes = field[bool](fields["passes"])
	e.InProgress = field[bool](fields["inProgress"])
	e.Agent = field[string](fields["agent"])

	var steps []json.RawMessage
	if raw := fields["steps"]; !isNull(raw) && json.Unmarshal(raw, &steps) == nil {
		e.Steps = make([]string, 0, len(steps))
		for _, item := range steps {
			var s string
			if json.Unmarshal(item, &s) == nil {
				e.Steps = append(e.Steps, s)
			}
		}
	}
	return nil
}

func field[T any](raw json.RawMessage) *T {
	if isNull(raw) {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Path returns the feature list path of a project.
func Path(projectDir string) string {
	return filepath.Join(projectDir, FileName)
}

// Parse decodes a feature list document. Only a document that is not a
// JSON array is rejected.
func Parse(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse feature list: %w", err)
	}
	return entries, nil
}

// Load reads and parses the feature list of a project.
func Load(projectDir string) ([]Entry, error) {
	return LoadFile(Path(projectDir))
}

// LoadFile reads and parses a feature list file.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feature list: %w", err)
	}
	return Parse(data)
}

// Build assigns positional ids and applies defaults.
func Build(projectDir string, entries []Entry, now time.Time) []models.Feature {
	updated := models.Timestamp(now)
	out := make([]models.Feature, 0, len(entries))
	for i, e := range entries {
		f := models.Feature{
			ID:          models.FeatureID(projectDir, i),
			ProjectDir:  projectDir,
			Description: deref(e.Description, ""),
			Category:    deref(e.Category, DefaultCategory),
			Passes:      deref(e.Passes, false),
			InProgress:  deref(e.InProgress, false),
			Agent:       deref(e.Agent, ""),
			Steps:       e.Steps,
			UpdatedAt:   updated,
		}
		out = append(out, f)
	}
	return out
}

// ActiveFeatureID returns the id of the first in-progress feature of a
// project. Any read or parse failure means no active feature.
func ActiveFeatureID(projectDir string) (string, bool) {
	entries, err := Load(projectDir)
	if err != nil {
		return "", false
	}
	for i, e := range entries {
		if deref(e.InProgress, false) {
			return models.FeatureID(projectDir, i), true
		}
	}
	return "", false
}

// NewlyCompleted returns the features of next that pass and whose
// description was not passing in prev. Two features sharing a description
// are indistinguishable here.
func NewlyCompleted(prev, next []models.Feature) []models.Feature {
	done := make(map[string]struct{}, len(prev))
	for _, f := range prev {
		if f.Passes {
			done[f.Description] = struct{}{}
		}
	}

	var out []models.Feature
	for _, f := range next {
		if !f.Passes {
			continue
		}
		if _, ok := done[f.Description]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// CompletionEvent builds the FeatureCompleted event for a feature detected
// by the file watcher.
func CompletionEvent(f models.Feature, now time.Time) models.AgentEvent {
	agent := f.Agent
	if agent == "" {
		agent = models.AgentUnknown
	}
	payload, _ := json.Marshal(map[string]string{"category": f.Category})
	return models.AgentEvent{
		EventType:   models.EventFeatureCompleted,
		SourceAgent: agent,
		SessionID:   models.SessionFileWatch,
		ProjectDir:  f.ProjectDir,
		ToolName:    f.Description,
		Payload:     string(payload),
		FeatureID:   f.ID,
		CreatedAt:   models.Timestamp(now),
	}
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
