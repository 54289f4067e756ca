package server

import (
	"encoding/json"

	"github.com/p-blackswan/ijoka/internal/models"
)

// APIResponse is the acknowledgement body of every write endpoint.
type APIResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// IncomingEvent is the body of POST /events.
type IncomingEvent struct {
	EventType   string          `json:"eventType"`
	SourceAgent string          `json:"sourceAgent"`
	SessionID   string          `json:"sessionId"`
	ProjectDir  string          `json:"projectDir"`
	ToolName    string          `json:"toolName,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FeatureID   string          `json:"featureId,omitempty"`
}

// Event converts the request into an AgentEvent. A JSON null payload is
// treated as absent.
func (in IncomingEvent) Event() models.AgentEvent {
	ev := models.AgentEvent{
		EventType:   in.EventType,
		SourceAgent: in.SourceAgent,
		SessionID:   in.SessionID,
		ProjectDir:  in.ProjectDir,
		ToolName:    in.ToolName,
		FeatureID:   in.FeatureID,
	}
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		ev.Payload = string(in.Payload)
	}
	return ev
}

// FeatureStats is the progress summary sent by the feature-update hook.
type FeatureStats struct {
	Total      int64   `json:"total"`
	Completed  int64   `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// ChangedFeature is one newly completed feature reported by a hook.
type ChangedFeature struct {
	Description string `json:"description"`
	Category    string `json:"category"`
}

// FeatureUpdateRequest is the body of POST /events/feature-update.
type FeatureUpdateRequest struct {
	ProjectDir      string           `json:"projectDir"`
	Stats           FeatureStats     `json:"stats"`
	ChangedFeatures []ChangedFeature `json:"changedFeatures"`
}

// ProgressPayload is broadcast with every ProgressUpdate event.
type ProgressPayload struct {
	FeatureStats
	ProjectDir string `json:"projectDir"`
}

// LinkEventRequest is the body of POST /events/:id/link.
type LinkEventRequest struct {
	FeatureID string `json:"featureId"`
}

// SessionStartRequest is the body of POST /sessions/start.
type SessionStartRequest struct {
	SessionID   string `json:"sessionId"`
	SourceAgent string `json:"sourceAgent"`
	ProjectDir  string `json:"projectDir"`
}

// SessionEndRequest is the body of POST /sessions/end.
type SessionEndRequest struct {
	SessionID string `json:"sessionId"`
}

// ProjectsResponse lists the projects known to the cache and the ones
// currently watched.
type ProjectsResponse struct {
	Projects []string `json:"projects"`
	Watched  []string `json:"watched"`
}

// SettingsUpdate is the body of PUT /config. Absent fields keep their
// current value.
type SettingsUpdate struct {
	WatchedProjects      *[]string `json:"watchedProjects"`
	SyncServerPort       *int      `json:"syncServerPort"`
	NotificationsEnabled *bool     `json:"notificationsEnabled"`
	SelectedProject      *string   `json:"selectedProject"`
}

// Apply merges the update into s.
func (u SettingsUpdate) Apply(s models.Settings) models.Settings {
	if u.WatchedProjects != nil {
		s.WatchedProjects = append([]string{}, (*u.WatchedProjects)...)
	}
	if u.SyncServerPort != nil {
		s.SyncServerPort = *u.SyncServerPort
	}
	if u.NotificationsEnabled != nil {
		s.NotificationsEnabled = *u.NotificationsEnabled
	}
	if u.SelectedProject != nil {
		s.SelectedProject = *u.SelectedProject
	}
	return s
}
