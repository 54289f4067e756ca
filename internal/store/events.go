package store

import (
	"database/sql"
	"fmt"

	"github.com/p-blackswan/ijoka/internal/models"
)

const eventColumns = `id, event_type, source_agent, session_id, project_dir, tool_name, payload, feature_id, created_at`

// InsertEvent appends an event and assigns its ID. CreatedAt defaults to now.
func (s *Store) InsertEvent(ev *models.AgentEvent) error {
	if ev.CreatedAt == "" {
		ev.CreatedAt = models.Timestamp(s.now())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
	INSERT INTO events (event_type, source_agent, session_id, project_dir, tool_name, payload, feature_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.EventType, ev.SourceAgent, ev.SessionID, ev.ProjectDir,
		nullString(ev.ToolName), nullString(ev.Payload), nullString(ev.FeatureID),
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListEvents returns the most recent events, newest first.
func (s *Store) ListEvents(limit int) ([]models.AgentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+eventColumns+`
	FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return scanEvents(rows)
}

// ListUnlinkedEvents returns recent events with no feature linkage,
// optionally restricted to one project.
func (s *Store) ListUnlinkedEvents(projectDir string, limit int) ([]models.AgentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+eventColumns+`
	FROM events
	WHERE (feature_id IS NULL OR feature_id = '')
	  AND (? = '' OR project_dir = ?)
	ORDER BY created_at DESC, id DESC LIMIT ?`, projectDir, projectDir, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unlinked events: %w", err)
	}
	return scanEvents(rows)
}

// ListProjectEvents returns recent events for one project.
func (s *Store) ListProjectEvents(projectDir string, limit int) ([]models.AgentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+eventColumns+`
	FROM events WHERE project_dir = ?
	ORDER BY created_at DESC, id DESC LIMIT ?`, projectDir, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list project events: %w", err)
	}
	return scanEvents(rows)
}

// EventsByFeature returns events linked to a feature, newest first.
func (s *Store) EventsByFeature(featureID string, limit int) ([]models.AgentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+eventColumns+`
	FROM events WHERE feature_id = ?
	ORDER BY created_at DESC, id DESC LIMIT ?`, featureID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list feature events: %w", err)
	}
	return scanEvents(rows)
}

// LinkEvent attaches an existing event to a feature. Returns false if the
// event does not exist.
func (s *Store) LinkEvent(id int64, featureID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE events SET feature_id = ? WHERE id = ?`, featureID, id)
	if err != nil {
		return false, fmt.Errorf("failed to link event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to link event: %w", err)
	}
	return n > 0, nil
}

func scanEvents(rows *sql.Rows) ([]models.AgentEvent, error) {
	defer rows.Close()

	var events []models.AgentEvent
	for rows.Next() {
		var ev models.AgentEvent
		var toolName, payload, featureID sql.NullString
		if err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.SourceAgent, &ev.SessionID, &ev.ProjectDir,
			&toolName, &payload, &featureID, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.ToolName = toolName.String
		ev.Payload = payload.String
		ev.FeatureID = featureID.String
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
