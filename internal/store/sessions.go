package store

import (
	"database/sql"
	"fmt"

	"github.com/p-blackswan/ijoka/internal/models"
)

// UpsertSession inserts a session or resets an existing one to active with a
// fresh start time.
func (s *Store) UpsertSession(sess *models.Session) error {
	now := models.Timestamp(s.now())
	if sess.StartedAt == "" {
		sess.StartedAt = now
	}
	if sess.LastActivity == "" {
		sess.LastActivity = sess.StartedAt
	}
	sess.Status = models.SessionActive

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
	INSERT INTO sessions (session_id, source_agent, project_dir, started_at, last_activity, status)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		source_agent = excluded.source_agent,
		project_dir = excluded.project_dir,
		started_at = excluded.started_at,
		last_activity = excluded.last_activity,
		status = excluded.status
	`, sess.SessionID, sess.SourceAgent, sess.ProjectDir, sess.StartedAt, sess.LastActivity, sess.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or nil if it does not exist.
func (s *Store) GetSession(id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := scanSession(s.db.QueryRow(`
	SELECT session_id, source_agent, project_dir, started_at, last_activity, status
	FROM sessions WHERE session_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession marks a session ended and returns it. Returns nil if the
// session is unknown.
func (s *Store) EndSession(id string) (*models.Session, error) {
	now := models.Timestamp(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := scanSession(s.db.QueryRow(`
	UPDATE sessions SET status = ?, last_activity = ?
	WHERE session_id = ?
	RETURNING session_id, source_agent, project_dir, started_at, last_activity, status
	`, models.SessionEnded, now, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to end session: %w", err)
	}
	return &sess, nil
}

// TouchSession bumps last_activity of an active session. Unknown ids are ignored.
func (s *Store) TouchSession(id string) error {
	now := models.Timestamp(s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE session_id = ? AND status = ?`,
		now, id, models.SessionActive); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// ActiveSessions returns active sessions, most recently active first.
func (s *Store) ActiveSessions() ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
	SELECT session_id, source_agent, project_dir, started_at, last_activity, status
	FROM sessions WHERE status = ?
	ORDER BY last_activity DESC`, models.SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(r rowScanner) (models.Session, error) {
	var sess models.Session
	err := r.Scan(&sess.SessionID, &sess.SourceAgent, &sess.ProjectDir,
		&sess.StartedAt, &sess.LastActivity, &sess.Status)
	if err == sql.ErrNoRows {
		return sess, err
	}
	if err != nil {
		return sess, fmt.Errorf("failed to scan session: %w", err)
	}
	return sess, nil
}
