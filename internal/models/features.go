package models

import (
	"fmt"
	"path/filepath"
)

// Feature is a trackable unit of project work sourced from feature_list.json.
type Feature struct {
	ID          string   `json:"id"`
	ProjectDir  string   `json:"projectDir"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Passes      bool     `json:"passes"`
	InProgress  bool     `json:"inProgress"`
	Agent       string   `json:"agent,omitempty"`
	Steps       []string `json:"steps,omitempty"`
	UpdatedAt   string   `json:"updatedAt"`
}

// CleanProjectDir normalises a project directory. Empty stays empty.
func CleanProjectDir(dir string) string {
	if dir == "" {
		return ""
	}
	return filepath.Clean(dir)
}

// FeatureID returns the positional identity of the feature at index i.
// Re-ordering the source list changes identities.
func FeatureID(projectDir string, index int) string {
	return fmt.Sprintf("%s:%d", projectDir, index)
}
