package store

import (
	"fmt"
	"strconv"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) schemaVersion() int {
	var version string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version); err != nil {
		return 0
	}
	v, _ := strconv.Atoi(version)
	return v
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		source_agent TEXT NOT NULL,
		session_id TEXT NOT NULL,
		project_dir TEXT NOT NULL,
		tool_name TEXT,
		payload TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_dir);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC);

	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		project_dir TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'functional',
		passes INTEGER NOT NULL DEFAULT 0,
		in_progress INTEGER NOT NULL DEFAULT 0,
		agent TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_features_project ON features(project_dir);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		source_agent TEXT NOT NULL,
		project_dir TEXT NOT NULL,
		started_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

// migrateV2 adds feature linkage on events and step lists on features.
func (s *Store) migrateV2() error {
	if s.schemaVersion() >= 2 {
		return nil
	}

	// ALTER TABLE fails if the column already exists; that is fine.
	_, _ = s.db.Exec(`ALTER TABLE events ADD COLUMN feature_id TEXT`)
	_, _ = s.db.Exec(`ALTER TABLE features ADD COLUMN steps TEXT`)

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_feature_id ON events(feature_id)`); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
