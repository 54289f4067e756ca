// Package pipeline joins the cache, the event bus and the graph mirror.
// Every accepted write goes to the cache first; only a successful write is
// published and mirrored.
package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/ijoka/internal/bus"
	perrors "github.com/p-blackswan/ijoka/internal/errors"
	"github.com/p-blackswan/ijoka/internal/metrics"
	"github.com/p-blackswan/ijoka/internal/mirror"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/store"
)

// DefaultEventLimit is used when a query gives no limit.
const DefaultEventLimit = 50

// WatchSet is the watcher's mutable project set.
type WatchSet interface {
	AddProject(dir string)
	SetProjects(dirs []string)
	Projects() []string
}

// EventQuery filters event listings.
type EventQuery struct {
	Limit      int
	Unlinked   bool
	ProjectDir string
}

// Coordinator is the single entry point for writes from the watcher and
// the HTTP boundary.
type Coordinator struct {
	store   *store.Store
	bus     *bus.Bus[models.AgentEvent]
	mirror  *mirror.Dispatcher
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	watch WatchSet
}

// NewCoordinator creates a coordinator. mirror and m may be nil.
func NewCoordinator(st *store.Store, b *bus.Bus[models.AgentEvent], mir *mirror.Dispatcher, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		bus:     b,
		mirror:  mir,
		metrics: m,
		logger:  logger.With().Str("component", "coordinator").Logger(),
	}
}

// SetWatchSet attaches the watcher once it exists.
func (c *Coordinator) SetWatchSet(w WatchSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watch = w
}

func (c *Coordinator) watchSet() WatchSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watch
}

// Record validates and persists an event, then publishes and mirrors it.
func (c *Coordinator) Record(ctx context.Context, ev *models.AgentEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := c.store.InsertEvent(ev); err != nil {
		return c.cacheError("insert_event", err)
	}
	c.metrics.RecordIngested(ev.SourceAgent, ev.EventType)

	if err := c.store.TouchSession(ev.SessionID); err != nil {
		c.logger.Warn().Err(err).Str("session_id", ev.SessionID).Msg("failed to update session activity")
	}

	c.bus.Publish(*ev)
	c.mirror.RecordEvent(*ev)
	return nil
}

// Broadcast publishes an event to live consumers without persisting it.
func (c *Coordinator) Broadcast(ev models.AgentEvent) int {
	return c.bus.Publish(ev)
}

// Subscribe attaches a new live consumer.
func (c *Coordinator) Subscribe() *bus.Subscription[models.AgentEvent] {
	return c.bus.Subscribe()
}

// Features returns cached features of a project, or all when projectDir is empty.
func (c *Coordinator) Features(projectDir string) ([]models.Feature, error) {
	fs, err := c.store.Features(projectDir)
	if err != nil {
		return nil, c.cacheError("list_features", err)
	}
	return fs, nil
}

// FeatureByDescription finds a cached feature of a project by description.
func (c *Coordinator) FeatureByDescription(projectDir, description string) (*models.Feature, error) {
	f, err := c.store.FeatureByDescription(projectDir, description)
	if err != nil {
		return nil, c.cacheError("find_feature", err)
	}
	return f, nil
}

// ReplaceFeatures overwrites a project's cached features and mirrors them.
func (c *Coordinator) ReplaceFeatures(projectDir string, features []models.Feature) error {
	if err := c.store.ReplaceFeatures(projectDir, features); err != nil {
		return c.cacheError("replace_features", err)
	}
	c.mirror.UpsertFeatures(projectDir, features)
	return nil
}

// StartSession upserts a session as active.
func (c *Coordinator) StartSession(sess *models.Session) error {
	if sess.SessionID == "" {
		return fmt.Errorf("%w: sessionId is required", perrors.ErrInvalidInput)
	}
	if err := c.store.UpsertSession(sess); err != nil {
		return c.cacheError("upsert_session", err)
	}
	c.mirror.StartSession(*sess)
	return nil
}

// EndSession marks a session ended. It returns nil for an unknown session.
func (c *Coordinator) EndSession(sessionID string) (*models.Session, error) {
	sess, err := c.store.EndSession(sessionID)
	if err != nil {
		return nil, c.cacheError("end_session", err)
	}
	if sess != nil {
		c.mirror.EndSession(sessionID)
	}
	return sess, nil
}

// RegisterProject adds dir to the watched projects if absent and starts
// watching it. Reports whether it was added.
func (c *Coordinator) RegisterProject(dir string) (bool, error) {
	dir = models.CleanProjectDir(dir)
	added, err := c.store.AddWatchedProject(dir)
	if err != nil {
		return false, c.cacheError("add_watched_project", err)
	}
	if !added {
		return false, nil
	}

	if w := c.watchSet(); w != nil {
		w.AddProject(dir)
	}
	c.mirror.UpsertProject(dir)
	c.logger.Info().Str("project_dir", dir).Msg("project registered")
	return true, nil
}

// Settings returns persisted settings or defaults.
func (c *Coordinator) Settings() (models.Settings, bool, error) {
	s, found, err := c.store.Settings()
	if err != nil {
		return s, false, c.cacheError("load_settings", err)
	}
	return s, found, nil
}

// SaveSettings persists settings and applies the project list to the watcher.
func (c *Coordinator) SaveSettings(s models.Settings) error {
	projects := make([]string, 0, len(s.WatchedProjects))
	for _, dir := range s.WatchedProjects {
		if dir = models.CleanProjectDir(dir); dir != "" && !slices.Contains(projects, dir) {
			projects = append(projects, dir)
		}
	}
	s.WatchedProjects = projects
	if err := c.store.SaveSettings(s); err != nil {
		return c.cacheError("save_settings", err)
	}
	if w := c.watchSet(); w != nil {
		w.SetProjects(s.WatchedProjects)
	}
	return nil
}

// LinkEvent attaches an event to a feature. Reports whether the event exists.
func (c *Coordinator) LinkEvent(eventID int64, featureID string) (bool, error) {
	found, err := c.store.LinkEvent(eventID, featureID)
	if err != nil {
		return false, c.cacheError("link_event", err)
	}
	if found {
		c.mirror.LinkEvent(eventID, featureID)
	}
	return found, nil
}

// Events lists recent events, newest first.
func (c *Coordinator) Events(q EventQuery) ([]models.AgentEvent, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultEventLimit
	}

	var (
		events []models.AgentEvent
		err    error
	)
	switch {
	case q.Unlinked:
		events, err = c.store.ListUnlinkedEvents(q.ProjectDir, q.Limit)
	case q.ProjectDir != "":
		events, err = c.store.ListProjectEvents(q.ProjectDir, q.Limit)
	default:
		events, err = c.store.ListEvents(q.Limit)
	}
	if err != nil {
		return nil, c.cacheError("list_events", err)
	}
	return events, nil
}

// EventsByFeature lists events linked to a feature.
func (c *Coordinator) EventsByFeature(featureID string, limit int) ([]models.AgentEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	events, err := c.store.EventsByFeature(featureID, limit)
	if err != nil {
		return nil, c.cacheError("list_feature_events", err)
	}
	return events, nil
}

// ActiveSessions lists active sessions.
func (c *Coordinator) ActiveSessions() ([]models.Session, error) {
	sessions, err := c.store.ActiveSessions()
	if err != nil {
		return nil, c.cacheError("list_sessions", err)
	}
	return sessions, nil
}

// KnownProjects lists every project directory the cache has seen.
func (c *Coordinator) KnownProjects() ([]string, error) {
	projects, err := c.store.Projects()
	if err != nil {
		return nil, c.cacheError("list_projects", err)
	}
	if projects == nil {
		projects = []string{}
	}
	return projects, nil
}

// WatchedProjects lists the project directories currently watched, sorted.
func (c *Coordinator) WatchedProjects() []string {
	w := c.watchSet()
	if w == nil {
		return []string{}
	}
	dirs := w.Projects()
	slices.Sort(dirs)
	return dirs
}

// Stats summarises feature progress.
func (c *Coordinator) Stats() (models.Stats, error) {
	st, err := c.store.Stats()
	if err != nil {
		return st, c.cacheError("stats", err)
	}
	return st, nil
}

// Ping checks the cache.
func (c *Coordinator) Ping() error {
	return c.store.Ping()
}

func (c *Coordinator) cacheError(op string, err error) error {
	c.metrics.RecordCacheError(op)
	c.logger.Error().Err(err).Str("op", op).Msg("cache operation failed")
	return perrors.Wrap("cache", op, err)
}
