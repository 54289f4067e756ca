package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/ijoka/internal/errors"
	"github.com/p-blackswan/ijoka/internal/models"
)

// Recorder observes mirror outcomes.
type Recorder interface {
	RecordMirrorOp(op, result string)
}

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

type job struct {
	op string
	fn func(ctx context.Context, g Graph) error
}

// Dispatcher runs mirror operations off the caller's path on a bounded
// queue drained by a fixed worker pool. Enqueueing never blocks; when the
// queue is full the operation is dropped.
type Dispatcher struct {
	graph    Graph
	queue    chan job
	workers  int
	timeout  time.Duration
	recorder Recorder
	logger   zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewDispatcher creates a dispatcher. A nil graph makes every operation a
// no-op.
func NewDispatcher(cfg DispatcherConfig, graph Graph, recorder Recorder, logger zerolog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Dispatcher{
		graph:    graph,
		queue:    make(chan job, cfg.QueueSize),
		workers:  cfg.Workers,
		timeout:  cfg.Timeout,
		recorder: recorder,
		logger:   logger.With().Str("component", "mirror_dispatcher").Logger(),
	}
}

// Start launches worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.running.Swap(true) {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	d.logger.Info().Int("workers", d.workers).Msg("mirror dispatcher started")
}

// Stop cancels in-flight operations and waits for workers to exit. Queued
// operations are discarded.
func (d *Dispatcher) Stop() {
	if !d.running.Swap(false) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info().Msg("mirror dispatcher stopped")
}

// Connected reports whether the underlying graph is connected.
func (d *Dispatcher) Connected() bool {
	return d != nil && d.graph != nil && d.graph.IsConnected()
}

// UpsertProject enqueues a project merge.
func (d *Dispatcher) UpsertProject(projectDir string) {
	d.enqueue("upsert_project", func(ctx context.Context, g Graph) error {
		return g.UpsertProject(ctx, projectDir)
	})
}

// UpsertFeatures enqueues a feature set sync.
func (d *Dispatcher) UpsertFeatures(projectDir string, features []models.Feature) {
	features = append([]models.Feature(nil), features...)
	d.enqueue("upsert_features", func(ctx context.Context, g Graph) error {
		return g.UpsertFeatures(ctx, projectDir, features)
	})
}

// RecordEvent enqueues an event.
func (d *Dispatcher) RecordEvent(ev models.AgentEvent) {
	d.enqueue("record_event", func(ctx context.Context, g Graph) error {
		return g.RecordEvent(ctx, ev)
	})
}

// LinkEvent enqueues an event link.
func (d *Dispatcher) LinkEvent(eventID int64, featureID string) {
	d.enqueue("link_event", func(ctx context.Context, g Graph) error {
		return g.LinkEvent(ctx, eventID, featureID)
	})
}

// StartSession enqueues a session start.
func (d *Dispatcher) StartSession(sess models.Session) {
	d.enqueue("start_session", func(ctx context.Context, g Graph) error {
		return g.StartSession(ctx, sess)
	})
}

// EndSession enqueues a session end.
func (d *Dispatcher) EndSession(sessionID string) {
	d.enqueue("end_session", func(ctx context.Context, g Graph) error {
		return g.EndSession(ctx, sessionID)
	})
}

func (d *Dispatcher) enqueue(op string, fn func(ctx context.Context, g Graph) error) {
	if d == nil || d.graph == nil {
		return
	}

	select {
	case d.queue <- job{op: op, fn: fn}:
	default:
		d.record(op, "dropped")
		d.logger.Warn().Str("op", op).Msg("mirror queue full, dropping operation")
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.execute(ctx, j)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := j.fn(ctx, d.graph)
	switch {
	case err == nil:
		d.record(j.op, "ok")
	case errors.Is(err, perrors.ErrDisconnected):
		d.record(j.op, "skipped")
		d.logger.Debug().Str("op", j.op).Msg("graph disconnected, operation skipped")
	default:
		d.record(j.op, "error")
		d.logger.Warn().Err(err).Str("op", j.op).Msg("mirror operation failed")
	}
}

func (d *Dispatcher) record(op, result string) {
	if d.recorder != nil {
		d.recorder.RecordMirrorOp(op, result)
	}
}
