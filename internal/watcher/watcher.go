// Package watcher turns filesystem notifications for agent transcripts and
// project feature lists into debounced, classified dispatches.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/ijoka/internal/features"
	"github.com/p-blackswan/ijoka/internal/transcript"
)

// DefaultDebounce is the quiet period a path must observe before dispatch.
const DefaultDebounce = 500 * time.Millisecond

const defaultQueueSize = 256

// Kind classifies a changed path.
type Kind int

const (
	KindIgnore Kind = iota
	KindTranscript
	KindFeatureList
)

func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindFeatureList:
		return "feature_list"
	default:
		return "ignore"
	}
}

// Handler receives settled changes. Calls are sequential.
type Handler interface {
	HandleTranscript(ctx context.Context, path string)
	HandleFeatureList(ctx context.Context, path string)
}

// Recorder observes dispatches.
type Recorder interface {
	RecordWatcherDispatch(kind string)
}

type pendingChange struct {
	timer *time.Timer
}

// Config configures a Watcher.
type Config struct {
	// TranscriptRoots are watched recursively for *.jsonl transcripts.
	TranscriptRoots []string
	Debounce        time.Duration
	QueueSize       int
}

// Watcher owns one fsnotify watcher. Project directories are watched
// non-recursively and can change while running.
type Watcher struct {
	fsw      *fsnotify.Watcher
	roots    []string
	debounce time.Duration
	handler  Handler
	recorder Recorder
	logger   zerolog.Logger

	settled chan string

	mu       sync.Mutex
	pending  map[string]*pendingChange
	projects map[string]struct{}
	closed   bool
}

// New creates a watcher. Nothing is watched until Run or AddProject.
func New(cfg Config, handler Handler, recorder Recorder, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	roots := make([]string, 0, len(cfg.TranscriptRoots))
	for _, r := range cfg.TranscriptRoots {
		roots = append(roots, filepath.Clean(r))
	}

	return &Watcher{
		fsw:      fsw,
		roots:    roots,
		debounce: cfg.Debounce,
		handler:  handler,
		recorder: recorder,
		logger:   logger.With().Str("component", "watcher").Logger(),
		settled:  make(chan string, cfg.QueueSize),
		pending:  make(map[string]*pendingChange),
		projects: make(map[string]struct{}),
	}, nil
}

// Classify reports what kind of file path is.
func (w *Watcher) Classify(path string) Kind {
	if filepath.Base(path) == features.FileName {
		return KindFeatureList
	}
	if strings.HasSuffix(path, transcript.Extension) && w.underRoot(path) {
		return KindTranscript
	}
	return KindIgnore
}

// Run watches the transcript roots and dispatches settled changes until ctx
// is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for _, root := range w.roots {
		if !isDir(root) {
			w.logger.Warn().Str("path", root).Msg("transcript root missing, skipped")
			continue
		}
		w.addRecursive(root, false)
		w.logger.Info().Str("path", root).Msg("watching transcripts")
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.dispatch(ctx)
	}()

	w.logger.Info().Msg("file watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watch error")
		}
	}
}

// AddProject starts watching a project directory for its feature list.
// Missing directories are skipped.
func (w *Watcher) AddProject(dir string) {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.projects[dir]; ok || w.closed {
		return
	}
	if !isDir(dir) {
		w.logger.Warn().Str("project_dir", dir).Msg("project directory missing, not watched")
		return
	}
	if err := w.fsw.Add(dir); err != nil {
		w.logger.Error().Err(err).Str("project_dir", dir).Msg("failed to watch project")
		return
	}
	w.projects[dir] = struct{}{}
	w.logger.Info().Str("project_dir", dir).Msg("watching project")
}

// SetProjects reconciles the watched project set with dirs.
func (w *Watcher) SetProjects(dirs []string) {
	want := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		want[filepath.Clean(d)] = struct{}{}
	}

	w.mu.Lock()
	var stale []string
	for dir := range w.projects {
		if _, ok := want[dir]; !ok {
			stale = append(stale, dir)
		}
	}
	for _, dir := range stale {
		delete(w.projects, dir)
		if w.underRoot(dir) {
			continue
		}
		if err := w.fsw.Remove(dir); err != nil {
			w.logger.Debug().Err(err).Str("project_dir", dir).Msg("failed to unwatch project")
		}
	}
	w.mu.Unlock()

	for dir := range want {
		w.AddProject(dir)
	}
}

// Projects returns the currently watched project directories.
func (w *Watcher) Projects() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, 0, len(w.projects))
	for dir := range w.projects {
		out = append(out, dir)
	}
	return out
}

// Close stops pending timers and releases the OS watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	return w.fsw.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if w.Classify(event.Name) == KindTranscript {
			w.schedule(event.Name)
		}
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if event.Has(fsnotify.Create) && w.underRoot(event.Name) && isDir(event.Name) {
		w.addRecursive(event.Name, true)
		return
	}

	if w.Classify(event.Name) == KindIgnore {
		return
	}
	w.schedule(event.Name)
}

// schedule (re)starts the debounce timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
	}

	p := &pendingChange{}
	p.timer = time.AfterFunc(w.debounce, func() { w.settle(path, p) })
	w.pending[path] = p
}

func (w *Watcher) settle(path string, p *pendingChange) {
	w.mu.Lock()
	if w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.mu.Unlock()

	select {
	case w.settled <- path:
	default:
		w.logger.Warn().Str("path", path).Msg("dispatch queue full, dropping change")
	}
}

func (w *Watcher) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.settled:
			kind := w.Classify(path)
			if w.recorder != nil {
				w.recorder.RecordWatcherDispatch(kind.String())
			}
			switch kind {
			case KindTranscript:
				w.handler.HandleTranscript(ctx, path)
			case KindFeatureList:
				w.handler.HandleFeatureList(ctx, path)
			}
		}
	}
}

// addRecursive watches dir and every directory below it. With replay set,
// transcripts already present under dir are scheduled too.
func (w *Watcher) addRecursive(dir string, replay bool) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				w.logger.Error().Err(err).Str("path", path).Msg("failed to watch directory")
			}
			return nil
		}
		if replay && w.Classify(path) == KindTranscript {
			w.schedule(path)
		}
		return nil
	})
}

func (w *Watcher) underRoot(path string) bool {
	for _, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && info.IsDir()
}
