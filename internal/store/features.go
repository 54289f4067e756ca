package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/p-blackswan/ijoka/internal/models"
)

// Features returns cached features for a project in list order, or every
// cached feature when projectDir is empty.
func (s *Store) Features(projectDir string) ([]models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
	SELECT id, project_dir, description, category, passes, in_progress, agent, steps, updated_at
	FROM features
	WHERE (? = '' OR project_dir = ?)
	ORDER BY project_dir, CAST(substr(id, length(project_dir) + 2) AS INTEGER)
	`, projectDir, projectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	var features []models.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate features: %w", err)
	}
	return features, nil
}

// FeatureByDescription finds the first cached feature of a project with the
// given description. Returns nil if none matches.
func (s *Store) FeatureByDescription(projectDir, description string) (*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
	SELECT id, project_dir, description, category, passes, in_progress, agent, steps, updated_at
	FROM features WHERE project_dir = ? AND description = ?
	ORDER BY CAST(substr(id, length(project_dir) + 2) AS INTEGER) LIMIT 1
	`, projectDir, description)

	f, err := scanFeature(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ReplaceFeatures upserts every feature of a project and removes cached rows
// of that project that are no longer in the list.
func (s *Store) ReplaceFeatures(projectDir string, features []models.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin feature sync: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT INTO features (id, project_dir, description, category, passes, in_progress, agent, steps, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		project_dir = excluded.project_dir,
		description = excluded.description,
		category = excluded.category,
		passes = excluded.passes,
		in_progress = excluded.in_progress,
		agent = excluded.agent,
		steps = excluded.steps,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare feature upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]any, 0, len(features)+1)
	ids = append(ids, projectDir)
	for _, f := range features {
		var steps sql.NullString
		if f.Steps != nil {
			raw, err := json.Marshal(f.Steps)
			if err != nil {
				return fmt.Errorf("failed to encode steps: %w", err)
			}
			steps = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.Exec(
			f.ID, projectDir, f.Description, f.Category, f.Passes, f.InProgress,
			nullString(f.Agent), steps, f.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert feature %s: %w", f.ID, err)
		}
		ids = append(ids, f.ID)
	}

	del := `DELETE FROM features WHERE project_dir = ?`
	if len(features) > 0 {
		del += ` AND id NOT IN (?` + strings.Repeat(", ?", len(features)-1) + `)`
	}
	if _, err := tx.Exec(del, ids...); err != nil {
		return fmt.Errorf("failed to prune features: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feature sync: %w", err)
	}
	return nil
}

// Projects returns every project directory known to the cache.
func (s *Store) Projects() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
	SELECT project_dir FROM features
	UNION SELECT project_dir FROM sessions
	ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeature(r rowScanner) (models.Feature, error) {
	var f models.Feature
	var agent, steps sql.NullString
	err := r.Scan(&f.ID, &f.ProjectDir, &f.Description, &f.Category,
		&f.Passes, &f.InProgress, &agent, &steps, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, err
	}
	if err != nil {
		return f, fmt.Errorf("failed to scan feature: %w", err)
	}
	f.Agent = agent.String
	if steps.Valid && steps.String != "" {
		// A malformed steps column degrades to no steps.
		_ = json.Unmarshal([]byte(steps.String), &f.Steps)
	}
	return f, nil
}
