package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/p-blackswan/ijoka/internal/models"
)

const settingsKey = "main"

// Settings returns the persisted settings. found is false when nothing is
// stored; a corrupt stored value also yields defaults.
func (s *Store) Settings() (settings models.Settings, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadSettings(s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, settingsKey))
}

func (s *Store) loadSettings(row *sql.Row) (models.Settings, bool, error) {
	settings := models.DefaultSettings()

	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, fmt.Errorf("failed to load settings: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		s.logger.Warn().Err(err).Msg("stored settings unreadable, using defaults")
		return models.DefaultSettings(), true, nil
	}
	if settings.WatchedProjects == nil {
		settings.WatchedProjects = []string{}
	}
	return settings, true, nil
}

// SaveSettings replaces the persisted settings.
func (s *Store) SaveSettings(settings models.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`,
		settingsKey, string(raw)); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// AddWatchedProject appends dir to the watched project list unless it is
// already present. The read-modify-write runs in one transaction.
func (s *Store) AddWatchedProject(dir string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin settings update: %w", err)
	}
	defer tx.Rollback()

	settings, _, err := s.loadSettings(tx.QueryRow(`SELECT value FROM config WHERE key = ?`, settingsKey))
	if err != nil {
		return false, err
	}
	if settings.Watches(dir) {
		return false, nil
	}
	settings.WatchedProjects = append(settings.WatchedProjects, dir)

	raw, err := json.Marshal(settings)
	if err != nil {
		return false, fmt.Errorf("failed to encode settings: %w", err)
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`,
		settingsKey, string(raw)); err != nil {
		return false, fmt.Errorf("failed to save settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit settings update: %w", err)
	}
	return true, nil
}

// Stats summarises feature progress and active sessions in one statement.
func (s *Store) Stats() (models.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st models.Stats
	err := s.db.QueryRow(`
	SELECT
		(SELECT COUNT(*) FROM features),
		(SELECT COUNT(*) FROM features WHERE passes = 1),
		(SELECT COUNT(*) FROM features WHERE in_progress = 1),
		(SELECT COUNT(*) FROM sessions WHERE status = 'active')
	`).Scan(&st.Total, &st.Completed, &st.InProgress, &st.ActiveSessions)
	if err != nil {
		return st, fmt.Errorf("failed to compute stats: %w", err)
	}
	if st.Total > 0 {
		st.Percentage = float64(st.Completed) / float64(st.Total) * 100
	}
	return st, nil
}
