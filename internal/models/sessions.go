package models

// Session status values. Ended is terminal until the same id starts again.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session tracks one agent session in a project.
type Session struct {
	SessionID    string `json:"sessionId"`
	SourceAgent  string `json:"sourceAgent"`
	ProjectDir   string `json:"projectDir"`
	StartedAt    string `json:"startedAt"`
	LastActivity string `json:"lastActivity"`
	Status       string `json:"status"`
}

// DefaultSyncServerPort is the hook endpoint port used when none is persisted.
const DefaultSyncServerPort = 4000

// Settings is the persisted singleton user configuration.
type Settings struct {
	WatchedProjects      []string `json:"watchedProjects"`
	SyncServerPort       int      `json:"syncServerPort"`
	NotificationsEnabled bool     `json:"notificationsEnabled"`
	SelectedProject      string   `json:"selectedProject,omitempty"`
}

// DefaultSettings returns the values that apply when nothing is persisted.
func DefaultSettings() Settings {
	return Settings{
		WatchedProjects:      []string{},
		SyncServerPort:       DefaultSyncServerPort,
		NotificationsEnabled: true,
	}
}

// Watches reports whether dir is in the watched project list.
func (s Settings) Watches(dir string) bool {
	for _, p := range s.WatchedProjects {
		if p == dir {
			return true
		}
	}
	return false
}
