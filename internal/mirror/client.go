// Package mirror copies graph-shaped entities to an optional remote graph
// store (Memgraph or Neo4j over bolt). The mirror is additive: every failure
// is logged and never reaches the local write path.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/ijoka/internal/errors"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/retry"
)

// Graph is the remote mirror of the local cache.
type Graph interface {
	UpsertProject(ctx context.Context, projectDir string) error
	UpsertFeatures(ctx context.Context, projectDir string, features []models.Feature) error
	RecordEvent(ctx context.Context, ev models.AgentEvent) error
	LinkEvent(ctx context.Context, eventID int64, featureID string) error
	StartSession(ctx context.Context, sess models.Session) error
	EndSession(ctx context.Context, sessionID string) error
	IsConnected() bool
}

// Config configures the bolt client.
type Config struct {
	URI      string
	User     string
	Password string
	Database string
	// Timeout bounds each operation, including connection attempts.
	Timeout time.Duration
	// ReconnectInterval throttles connection attempts made on demand.
	ReconnectInterval time.Duration
	Retry             retry.Config
}

// DefaultConfig matches a local Memgraph.
func DefaultConfig() Config {
	return Config{
		URI:               "bolt://localhost:7687",
		Database:          "memgraph",
		Timeout:           5 * time.Second,
		ReconnectInterval: 30 * time.Second,
		Retry:             retry.DefaultConfig(),
	}
}

// runner executes one write query.
type runner interface {
	Run(ctx context.Context, query string, params map[string]any) error
	Close(ctx context.Context) error
}

// Dialer opens a runner.
type Dialer func(ctx context.Context, cfg Config) (runner, error)

// Client is a lazily connected Graph backed by the neo4j driver.
type Client struct {
	cfg    Config
	dial   Dialer
	logger zerolog.Logger

	mu          sync.Mutex
	conn        runner
	lastAttempt time.Time
	now         func() time.Time
	onState     func(connected bool)
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return newClient(cfg, dialBolt, logger)
}

func newClient(cfg Config, dial Dialer, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		dial:   dial,
		logger: logger.With().Str("component", "mirror").Logger(),
		now:    time.Now,
	}
}

// OnStateChange registers a callback invoked when connectivity changes.
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect establishes the connection, retrying with backoff.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	cfg := c.cfg.Retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("graph connect retry")
	}

	var conn runner
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		conn, err = c.dialOnce(ctx)
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAttempt = c.now()
	if err != nil {
		c.logger.Warn().Err(err).Str("uri", c.cfg.URI).Msg("graph database unavailable, mirror disabled")
		return perrors.Wrap("mirror", "connect", err)
	}
	if c.conn != nil {
		_ = conn.Close(ctx)
		return nil
	}

	c.setConn(conn)
	c.logger.Info().Str("uri", c.cfg.URI).Msg("connected to graph database")
	return nil
}

// IsConnected reports whether a connection is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close releases the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.setConn(nil)
	return err
}

// UpsertProject merges a Project node keyed by path.
func (c *Client) UpsertProject(ctx context.Context, projectDir string) error {
	return c.run(ctx, "upsert_project", cypherUpsertProject, map[string]any{
		"path": projectDir,
		"id":   uuid.NewString(),
		"name": filepath.Base(projectDir),
	})
}

// UpsertFeatures merges every feature of a project and removes the ones no
// longer listed.
func (c *Client) UpsertFeatures(ctx context.Context, projectDir string, features []models.Feature) error {
	rows := make([]any, 0, len(features))
	ids := make([]any, 0, len(features))
	for _, f := range features {
		steps := make([]any, 0, len(f.Steps))
		for _, s := range f.Steps {
			steps = append(steps, s)
		}
		rows = append(rows, map[string]any{
			"id":          f.ID,
			"description": f.Description,
			"category":    f.Category,
			"status":      featureStatus(f),
			"agent":       f.Agent,
			"steps":       steps,
		})
		ids = append(ids, f.ID)
	}

	if err := c.run(ctx, "upsert_features", cypherUpsertFeatures, map[string]any{
		"path":     projectDir,
		"features": rows,
	}); err != nil {
		return err
	}
	return c.run(ctx, "prune_features", cypherPruneFeatures, map[string]any{
		"path": projectDir,
		"ids":  ids,
	})
}

// RecordEvent creates an Event node triggered by its session.
func (c *Client) RecordEvent(ctx context.Context, ev models.AgentEvent) error {
	return c.run(ctx, "record_event", cypherRecordEvent, map[string]any{
		"id":           uuid.NewString(),
		"local_id":     ev.ID,
		"project_path": ev.ProjectDir,
		"session_id":   ev.SessionID,
		"source_agent": ev.SourceAgent,
		"event_type":   ev.EventType,
		"tool_name":    ev.ToolName,
		"payload":      ev.Payload,
		"created_at":   ev.CreatedAt,
		"feature_id":   ev.FeatureID,
	})
}

// LinkEvent re-points an event's LINKED_TO relationship.
func (c *Client) LinkEvent(ctx context.Context, eventID int64, featureID string) error {
	return c.run(ctx, "link_event", cypherLinkEvent, map[string]any{
		"local_id":   eventID,
		"feature_id": featureID,
	})
}

// StartSession merges an active Session in its project.
func (c *Client) StartSession(ctx context.Context, sess models.Session) error {
	return c.run(ctx, "start_session", cypherStartSession, map[string]any{
		"id":           sess.SessionID,
		"agent":        sess.SourceAgent,
		"project_path": sess.ProjectDir,
	})
}

// EndSession marks a Session ended.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.run(ctx, "end_session", cypherEndSession, map[string]any{"id": sessionID})
}

func (c *Client) run(ctx context.Context, op, query string, params map[string]any) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := conn.Run(ctx, query, params); err != nil {
		if neo4j.IsConnectivityError(err) {
			c.drop(conn)
			return perrors.Wrap("mirror", op, fmt.Errorf("%w: %v", perrors.ErrDisconnected, err))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return perrors.Wrap("mirror", op, fmt.Errorf("%w: %v", perrors.ErrTimeout, err))
		}
		return perrors.Wrap("mirror", op, err)
	}
	return nil
}

// connection returns the live connection, dialing once if the reconnect
// interval has elapsed since the last attempt. The dial runs without c.mu.
func (c *Client) connection(ctx context.Context) (runner, error) {
	c.mu.Lock()
	if conn := c.conn; conn != nil {
		c.mu.Unlock()
		return conn, nil
	}
	if c.now().Sub(c.lastAttempt) < c.cfg.ReconnectInterval {
		c.mu.Unlock()
		return nil, perrors.ErrDisconnected
	}
	c.lastAttempt = c.now()
	c.mu.Unlock()

	conn, err := c.dialOnce(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("graph reconnect failed")
		return nil, perrors.ErrDisconnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = conn.Close(ctx)
		return c.conn, nil
	}
	c.setConn(conn)
	c.logger.Info().Str("uri", c.cfg.URI).Msg("reconnected to graph database")
	return conn, nil
}

func (c *Client) dialOnce(ctx context.Context) (runner, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dial(ctx, c.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
	}
	if err := conn.Run(ctx, cypherPing, nil); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("%w: %v", perrors.ErrUnavailable, err)
	}
	return conn, nil
}

func (c *Client) drop(conn runner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	_ = conn.Close(context.Background())
	c.setConn(nil)
	c.logger.Warn().Msg("graph connection lost")
}

// caller must hold c.mu
func (c *Client) setConn(conn runner) {
	c.conn = conn
	if c.onState != nil {
		c.onState(conn != nil)
	}
}

func featureStatus(f models.Feature) string {
	switch {
	case f.Passes:
		return "complete"
	case f.InProgress:
		return "in_progress"
	default:
		return "pending"
	}
}

// boltRunner adapts a neo4j driver to runner.
type boltRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func dialBolt(ctx context.Context, cfg Config) (runner, error) {
	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(dc *neo4j.Config) {
		if cfg.Timeout > 0 {
			dc.MaxTransactionRetryTime = cfg.Timeout
			dc.SocketConnectTimeout = cfg.Timeout
			dc.ConnectionAcquisitionTimeout = cfg.Timeout
		}
	})
	if err != nil {
		return nil, err
	}
	return &boltRunner{driver: driver, database: cfg.Database}, nil
}

func (b *boltRunner) Run(ctx context.Context, query string, params map[string]any) error {
	_, err := neo4j.ExecuteQuery(ctx, b.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(b.database),
	)
	return err
}

func (b *boltRunner) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}
