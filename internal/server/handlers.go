package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/ijoka/internal/errors"
	"github.com/p-blackswan/ijoka/internal/metrics"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/pipeline"
)

// CompletionTitle is the notification title for a completed feature.
const CompletionTitle = "✅ Feature Completed"

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	coord    *pipeline.Coordinator
	resyncer Resyncer
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	streamCtx context.Context
	keepAlive time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(coord *pipeline.Coordinator, resyncer Resyncer, notifier Notifier, logger zerolog.Logger) *Handlers {
	return &Handlers{
		coord:     coord,
		resyncer:  resyncer,
		notifier:  notifier,
		logger:    logger.With().Str("component", "handlers").Logger(),
		now:       time.Now,
		streamCtx: context.Background(),
		keepAlive: DefaultKeepAlive,
	}
}

// ReceiveEvent handles POST /events.
func (h *Handlers) ReceiveEvent(c *fiber.Ctx) error {
	var in IncomingEvent
	if err := decode(c, &in); err != nil {
		return fail(c, err)
	}
	if in.SourceAgent == "" {
		return fail(c, fmt.Errorf("%w: sourceAgent is required", perrors.ErrInvalidInput))
	}

	ev := in.Event()
	ev.CreatedAt = models.Timestamp(h.now())
	if err := h.coord.Record(c.UserContext(), &ev); err != nil {
		return fail(c, err)
	}
	return ok(c)
}

// ListEvents handles GET /events.
func (h *Handlers) ListEvents(c *fiber.Ctx) error {
	q := pipeline.EventQuery{
		Limit:      c.QueryInt("limit", pipeline.DefaultEventLimit),
		Unlinked:   c.QueryBool("unlinked"),
		ProjectDir: c.Query("projectDir", c.Query("project_dir")),
	}

	events, err := h.coord.Events(q)
	if err != nil {
		return fail(c, err)
	}
	if events == nil {
		events = []models.AgentEvent{}
	}
	return c.JSON(events)
}

// LinkEvent handles POST /events/:id/link.
func (h *Handlers) LinkEvent(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fail(c, fmt.Errorf("%w: invalid event id %q", perrors.ErrInvalidInput, c.Params("id")))
	}

	var req LinkEventRequest
	if err := decode(c, &req); err != nil {
		return fail(c, err)
	}
	if req.FeatureID == "" {
		return fail(c, fmt.Errorf("%w: featureId is required", perrors.ErrInvalidInput))
	}

	found, err := h.coord.LinkEvent(int64(id), req.FeatureID)
	if err != nil {
		return fail(c, err)
	}
	if !found {
		return c.Status(fiber.StatusNotFound).JSON(APIResponse{OK: false, Error: "Event not found"})
	}
	return ok(c)
}

// FeatureUpdate handles POST /events/feature-update. Each changed feature
// becomes a FeatureCompleted event; the stats are broadcast as progress.
func (h *Handlers) FeatureUpdate(c *fiber.Ctx) error {
	var req FeatureUpdateRequest
	if err := decode(c, &req); err != nil {
		return fail(c, err)
	}
	if req.ProjectDir == "" {
		return fail(c, fmt.Errorf("%w: projectDir is required", perrors.ErrInvalidInput))
	}
	req.ProjectDir = models.CleanProjectDir(req.ProjectDir)

	now := h.now()
	for _, changed := range req.ChangedFeatures {
		payload, _ := json.Marshal(map[string]string{"category": changed.Category})
		ev := models.AgentEvent{
			EventType:   models.EventFeatureCompleted,
			SourceAgent: models.AgentHook,
			SessionID:   models.SessionFeatureUpdate,
			ProjectDir:  req.ProjectDir,
			ToolName:    changed.Description,
			Payload:     string(payload),
			CreatedAt:   models.Timestamp(now),
		}

		f, err := h.coord.FeatureByDescription(req.ProjectDir, changed.Description)
		if err != nil {
			return fail(c, err)
		}
		if f != nil {
			ev.FeatureID = f.ID
		}

		if err := h.coord.Record(c.UserContext(), &ev); err != nil {
			return fail(c, err)
		}
		if h.notifier != nil {
			h.notifier.Notify(CompletionTitle, changed.Description)
		}
	}

	progress, _ := json.Marshal(ProgressPayload{FeatureStats: req.Stats, ProjectDir: req.ProjectDir})
	h.coord.Broadcast(models.AgentEvent{
		EventType:   models.EventProgressUpdate,
		SourceAgent: models.AgentHook,
		SessionID:   models.SessionFeatureUpdate,
		ProjectDir:  req.ProjectDir,
		Payload:     string(progress),
		CreatedAt:   models.Timestamp(now),
	})

	return ok(c)
}

// SessionStart handles POST /sessions/start.
func (h *Handlers) SessionStart(c *fiber.Ctx) error {
	var req SessionStartRequest
	if err := decode(c, &req); err != nil {
		return fail(c, err)
	}
	if req.SessionID == "" || req.ProjectDir == "" {
		return fail(c, fmt.Errorf("%w: sessionId and projectDir are required", perrors.ErrInvalidInput))
	}
	req.ProjectDir = models.CleanProjectDir(req.ProjectDir)
	if req.SourceAgent == "" {
		req.SourceAgent = models.AgentUnknown
	}

	now := models.Timestamp(h.now())
	sess := &models.Session{
		SessionID:    req.SessionID,
		SourceAgent:  req.SourceAgent,
		ProjectDir:   req.ProjectDir,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := h.coord.StartSession(sess); err != nil {
		return fail(c, err)
	}

	log := h.logger.With().Str("session_id", req.SessionID).Str("project_dir", req.ProjectDir).Logger()
	if _, err := h.coord.RegisterProject(req.ProjectDir); err != nil {
		log.Warn().Err(err).Msg("failed to register project")
	}
	if h.resyncer != nil {
		if synced, err := h.resyncer.Resync(req.ProjectDir); err != nil {
			log.Warn().Err(err).Msg("feature resync failed")
		} else if synced != nil {
			log.Info().Int("features", len(synced)).Msg("features synced")
		}
	}

	ev := models.AgentEvent{
		EventType:   models.EventSessionStart,
		SourceAgent: req.SourceAgent,
		SessionID:   req.SessionID,
		ProjectDir:  req.ProjectDir,
		CreatedAt:   now,
	}
	if err := h.coord.Record(c.UserContext(), &ev); err != nil {
		return fail(c, err)
	}
	return ok(c)
}

// SessionEnd handles POST /sessions/end.
func (h *Handlers) SessionEnd(c *fiber.Ctx) error {
	var req SessionEndRequest
	if err := decode(c, &req); err != nil {
		return fail(c, err)
	}
	if req.SessionID == "" {
		return fail(c, fmt.Errorf("%w: sessionId is required", perrors.ErrInvalidInput))
	}

	sess, err := h.coord.EndSession(req.SessionID)
	if err != nil {
		return fail(c, err)
	}

	ev := models.AgentEvent{
		EventType:   models.EventSessionEnd,
		SourceAgent: models.AgentUnknown,
		SessionID:   req.SessionID,
		ProjectDir:  models.AgentUnknown,
		CreatedAt:   models.Timestamp(h.now()),
	}
	if sess != nil {
		ev.SourceAgent = sess.SourceAgent
		ev.ProjectDir = sess.ProjectDir
	}
	if err := h.coord.Record(c.UserContext(), &ev); err != nil {
		return fail(c, err)
	}
	return ok(c)
}

// ListSessions handles GET /sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	sessions, err := h.coord.ActiveSessions()
	if err != nil {
		return fail(c, err)
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return c.JSON(sessions)
}

// ListFeatures handles GET /features.
func (h *Handlers) ListFeatures(c *fiber.Ctx) error {
	fs, err := h.coord.Features(c.Query("projectDir", c.Query("project_dir")))
	if err != nil {
		return fail(c, err)
	}
	if fs == nil {
		fs = []models.Feature{}
	}
	return c.JSON(fs)
}

// FeatureEvents handles GET /features/:id/events. Feature ids contain the
// project path, so the segment is expected to be URL-escaped.
func (h *Handlers) FeatureEvents(c *fiber.Ctx) error {
	id, err := url.PathUnescape(c.Params("id"))
	if err != nil || id == "" {
		return fail(c, fmt.Errorf("%w: invalid feature id", perrors.ErrInvalidInput))
	}

	events, err := h.coord.EventsByFeature(id, c.QueryInt("limit", pipeline.DefaultEventLimit))
	if err != nil {
		return fail(c, err)
	}
	if events == nil {
		events = []models.AgentEvent{}
	}
	return c.JSON(events)
}

// Stats handles GET /stats.
func (h *Handlers) Stats(c *fiber.Ctx) error {
	st, err := h.coord.Stats()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(st)
}

// Projects handles GET /projects.
func (h *Handlers) Projects(c *fiber.Ctx) error {
	known, err := h.coord.KnownProjects()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(ProjectsResponse{Projects: known, Watched: h.coord.WatchedProjects()})
}

// GetConfig handles GET /config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	s, _, err := h.coord.Settings()
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s)
}

// PutConfig handles PUT /config.
func (h *Handlers) PutConfig(c *fiber.Ctx) error {
	var update SettingsUpdate
	if err := decode(c, &update); err != nil {
		return fail(c, err)
	}

	current, _, err := h.coord.Settings()
	if err != nil {
		return fail(c, err)
	}
	next := update.Apply(current)
	if next.SyncServerPort < 1 || next.SyncServerPort > 65535 {
		return fail(c, fmt.Errorf("%w: syncServerPort out of range", perrors.ErrInvalidInput))
	}

	if err := h.coord.SaveSettings(next); err != nil {
		return fail(c, err)
	}
	return c.JSON(next)
}

// decode reads a JSON body regardless of Content-Type.
func decode(c *fiber.Ctx, v any) error {
	body := bytes.TrimSpace(c.Body())
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", perrors.ErrInvalidInput)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
	}
	return nil
}

func ok(c *fiber.Ctx) error {
	return c.JSON(APIResponse{OK: true})
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(APIResponse{OK: false, Error: err.Error()})
}
