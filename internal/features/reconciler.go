package features

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/ijoka/internal/models"
)

// Cache is the part of the persistence layer the reconciler needs.
type Cache interface {
	Features(projectDir string) ([]models.Feature, error)
	ReplaceFeatures(projectDir string, features []models.Feature) error
	Record(ctx context.Context, ev *models.AgentEvent) error
}

// Notifier delivers a user-facing notification.
type Notifier interface {
	Notify(title, body string)
}

// Result summarises one reconciliation pass.
type Result struct {
	ProjectDir string
	Features   []models.Feature
	Completed  []models.Feature
}

// Reconciler keeps the cached feature set of each project in step with its
// feature_list.json. Passes for one project never overlap.
type Reconciler struct {
	cache    Cache
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReconciler creates a reconciler.
func NewReconciler(cache Cache, notifier Notifier, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cache:    cache,
		notifier: notifier,
		logger:   logger.With().Str("component", "features").Logger(),
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Reconcile processes the feature list at path. A read or parse failure
// aborts the pass and leaves the cache untouched.
func (r *Reconciler) Reconcile(ctx context.Context, path string) (Result, error) {
	projectDir := filepath.Dir(path)
	log := r.logger.With().Str("project_dir", projectDir).Logger()

	unlock := r.lock(projectDir)
	defer unlock()

	entries, err := LoadFile(path)
	if err != nil {
		log.Error().Err(err).Msg("feature list unreadable, pass skipped")
		return Result{ProjectDir: projectDir}, err
	}

	now := r.now()
	next := Build(projectDir, entries, now)

	prev, err := r.cache.Features(projectDir)
	if err != nil {
		log.Error().Err(err).Msg("failed to load cached features")
		return Result{ProjectDir: projectDir}, err
	}

	completed := NewlyCompleted(prev, next)
	for _, f := range completed {
		ev := CompletionEvent(f, now)
		if err := r.cache.Record(ctx, &ev); err != nil {
			log.Error().Err(err).Str("feature_id", f.ID).Msg("failed to record completion")
		}
		if r.notifier != nil {
			r.notifier.Notify("✅ Feature Completed", f.Description)
		}
		log.Info().Str("feature_id", f.ID).Str("description", f.Description).Msg("feature completed")
	}

	if err := r.cache.ReplaceFeatures(projectDir, next); err != nil {
		log.Error().Err(err).Msg("failed to sync features")
		return Result{ProjectDir: projectDir, Completed: completed}, err
	}

	log.Debug().Int("features", len(next)).Int("completed", len(completed)).Msg("feature list reconciled")
	return Result{ProjectDir: projectDir, Features: next, Completed: completed}, nil
}

// Resync upserts the project's features without completion detection. A
// missing feature list is not an error.
func (r *Reconciler) Resync(projectDir string) ([]models.Feature, error) {
	projectDir = models.CleanProjectDir(projectDir)
	unlock := r.lock(projectDir)
	defer unlock()

	entries, err := Load(projectDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("project_dir", projectDir).Msg("feature list unreadable, resync skipped")
		return nil, nil
	}

	next := Build(projectDir, entries, r.now())
	if err := r.cache.ReplaceFeatures(projectDir, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (r *Reconciler) lock(projectDir string) func() {
	r.mu.Lock()
	l, ok := r.locks[projectDir]
	if !ok {
		l = &sync.Mutex{}
		r.locks[projectDir] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}
