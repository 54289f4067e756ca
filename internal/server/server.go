// Package server is the local HTTP boundary through which editor and agent
// hooks report events and session lifecycle changes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/ijoka/internal/errors"
	"github.com/p-blackswan/ijoka/internal/health"
	"github.com/p-blackswan/ijoka/internal/metrics"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/pipeline"
	"github.com/p-blackswan/ijoka/internal/requestid"
)

// DefaultKeepAlive is the SSE comment interval on an idle stream.
const DefaultKeepAlive = 15 * time.Second

const shutdownTimeout = time.Second

// ServerConfig holds configuration for the ingestion server.
type ServerConfig struct {
	ListenAddr  string
	CORSOrigins string
	KeepAlive   time.Duration
}

// Resyncer refreshes a project's cached features from its feature list.
type Resyncer interface {
	Resync(projectDir string) ([]models.Feature, error)
}

// Notifier delivers a user-facing notification.
type Notifier interface {
	Notify(title, body string)
}

// Server is the ingestion Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig

	cancel context.CancelFunc
}

// NewServer creates and configures the ingestion server. checker, m and
// notifier may be nil.
func NewServer(
	cfg ServerConfig,
	coord *pipeline.Coordinator,
	resyncer Resyncer,
	notifier Notifier,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	streamCtx, cancel := context.WithCancel(context.Background())
	handlers := NewHandlers(coord, resyncer, notifier, logger)
	handlers.streamCtx = streamCtx
	handlers.keepAlive = cfg.KeepAlive
	handlers.metrics = m

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "ingestion_server").Logger(),
		config:   cfg,
		cancel:   cancel,
	}

	s.setupMiddleware(cfg, m)
	s.setupRoutes(handlers, checker, m)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, m *metrics.Metrics) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(requestid.Middleware())

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, X-Request-ID",
			AllowMethods: "GET, POST, PUT, OPTIONS",
		}))
	}

	// Request log and duration
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/health" || path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		m.ObserveRequest(c.Route().Path, time.Since(start).Seconds())

		s.logger.Debug().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", c.Response().StatusCode()).
			Str("request_id", requestid.Get(c)).
			Dur("duration", time.Since(start)).
			Msg("ingestion request")

		return err
	})
}

func (s *Server) setupRoutes(h *Handlers, checker *health.Checker, m *metrics.Metrics) {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})
	s.app.Get("/healthz", health.Liveness)
	if checker != nil {
		s.app.Get("/readyz", checker.Readiness)
	} else {
		s.app.Get("/readyz", health.Liveness)
	}

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	s.app.Post("/events", h.ReceiveEvent)
	s.app.Get("/events", h.ListEvents)
	s.app.Get("/events/stream", h.Stream)
	s.app.Post("/events/feature-update", h.FeatureUpdate)
	s.app.Post("/events/:id/link", h.LinkEvent)

	s.app.Post("/sessions/start", h.SessionStart)
	s.app.Post("/sessions/end", h.SessionEnd)
	s.app.Get("/sessions", h.ListSessions)

	s.app.Get("/features", h.ListFeatures)
	s.app.Get("/features/:id/events", h.FeatureEvents)

	s.app.Get("/stats", h.Stats)
	s.app.Get("/projects", h.Projects)
	s.app.Get("/config", h.GetConfig)
	s.app.Put("/config", h.PutConfig)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:4000"
	}

	s.logger.Info().Str("addr", addr).Msg("ingestion server starting")
	return s.app.Listen(addr)
}

// Shutdown ends open event streams and stops the listener. In-flight
// requests are not drained.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("ingestion server shutting down")
	s.cancel()
	err := s.app.ShutdownWithTimeout(shutdownTimeout)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case perrors.IsInvalidInput(err):
		return fiber.StatusBadRequest
	case errors.Is(err, perrors.ErrNotFound):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		return c.Status(code).JSON(APIResponse{OK: false, Error: err.Error()})
	}
}
