package models

import (
	"fmt"
	"time"

	perrors "github.com/p-blackswan/ijoka/internal/errors"
)

// Event types produced by the pipeline. Hook clients may send any other string.
const (
	EventTranscriptUpdated = "TranscriptUpdated"
	EventFeatureCompleted  = "FeatureCompleted"
	EventSessionStart      = "SessionStart"
	EventSessionEnd        = "SessionEnd"
	EventProgressUpdate    = "ProgressUpdate"
)

// Well-known source agents and synthetic session ids.
const (
	AgentClaudeCode = "claude-code"
	AgentHook       = "hook"
	AgentUnknown    = "unknown"

	SessionFileWatch     = "file-watch"
	SessionFeatureUpdate = "feature-update"
)

// TimeLayout is fixed width so that lexical order of stored timestamps
// matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t in UTC using TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// AgentEvent is one observed agent action. Events are append-only; ID is
// assigned by the cache on insert.
type AgentEvent struct {
	ID          int64  `json:"id,omitempty"`
	EventType   string `json:"eventType"`
	SourceAgent string `json:"sourceAgent"`
	SessionID   string `json:"sessionId"`
	ProjectDir  string `json:"projectDir"`
	ToolName    string `json:"toolName,omitempty"`
	Payload     string `json:"payload,omitempty"` // opaque JSON document
	FeatureID   string `json:"featureId,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Validate checks the invariants every stored event must satisfy.
func (e *AgentEvent) Validate() error {
	switch {
	case e.EventType == "":
		return fmt.Errorf("%w: eventType is required", perrors.ErrInvalidInput)
	case e.SessionID == "":
		return fmt.Errorf("%w: sessionId is required", perrors.ErrInvalidInput)
	case e.ProjectDir == "":
		return fmt.Errorf("%w: projectDir is required", perrors.ErrInvalidInput)
	}
	return nil
}

// Stats summarises feature progress across all cached projects.
type Stats struct {
	Total          int64   `json:"total"`
	Completed      int64   `json:"completed"`
	InProgress     int64   `json:"inProgress"`
	Percentage     float64 `json:"percentage"`
	ActiveSessions int64   `json:"activeSessions"`
}
