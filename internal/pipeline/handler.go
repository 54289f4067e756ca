package pipeline

import (
	"context"
	"errors"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/ijoka/internal/features"
	"github.com/p-blackswan/ijoka/internal/models"
	"github.com/p-blackswan/ijoka/internal/transcript"
)

// FileHandler turns settled file changes into recorded events.
type FileHandler struct {
	coord      *Coordinator
	parser     *transcript.Parser
	tracker    *transcript.Tracker
	reconciler *features.Reconciler
	logger     zerolog.Logger
}

// NewFileHandler creates a handler.
func NewFileHandler(coord *Coordinator, parser *transcript.Parser, tracker *transcript.Tracker, reconciler *features.Reconciler, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		coord:      coord,
		parser:     parser,
		tracker:    tracker,
		reconciler: reconciler,
		logger:     logger.With().Str("component", "file_handler").Logger(),
	}
}

// HandleTranscript records a TranscriptUpdated event for the newest record
// of a transcript. Unchanged or unclassifiable records produce nothing. A
// line is remembered only once its event is recorded, and a removed
// transcript is forgotten.
func (h *FileHandler) HandleTranscript(ctx context.Context, path string) {
	line, err := transcript.LastLine(path)
	if errors.Is(err, fs.ErrNotExist) {
		if h.tracker != nil {
			h.tracker.Forget(path)
		}
		return
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("path", path).Msg("transcript unreadable")
		return
	}
	if line == nil {
		return
	}
	if h.tracker != nil && h.tracker.Seen(path, line) {
		return
	}

	entry, ok := h.parser.ParseLine(line)
	if !ok {
		h.remember(path, line)
		return
	}

	projectDir := transcript.ProjectDirOf(path)
	featureID, _ := features.ActiveFeatureID(projectDir)

	ev := models.AgentEvent{
		EventType:   models.EventTranscriptUpdated,
		SourceAgent: models.AgentClaudeCode,
		SessionID:   transcript.SessionID(path),
		ProjectDir:  projectDir,
		ToolName:    entry.Kind,
		Payload:     entry.PayloadJSON(),
		FeatureID:   featureID,
	}
	if err := h.coord.Record(ctx, &ev); err != nil {
		h.logger.Error().Err(err).Str("path", path).Msg("failed to record transcript event")
		return
	}
	h.remember(path, line)
}

func (h *FileHandler) remember(path string, line []byte) {
	if h.tracker != nil {
		h.tracker.Remember(path, line)
	}
}

// HandleFeatureList reconciles a changed feature list.
func (h *FileHandler) HandleFeatureList(ctx context.Context, path string) {
	// Failures are logged by the reconciler.
	_, _ = h.reconciler.Reconcile(ctx, path)
}
