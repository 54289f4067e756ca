package pipeline

import (
	"context"
	"errors"

	"github.com/p-blackswan/ijoka/internal/bus"
)

// RunUISink drains the bus into the log until ctx is done or the bus closes.
// It stands in for the desktop UI consumer.
func (c *Coordinator) RunUISink(ctx context.Context) error {
	sub := c.Subscribe()
	defer sub.Close()

	log := c.logger.With().Str("consumer", "ui").Logger()
	for {
		ev, err := sub.Recv(ctx)
		var lag *bus.LagError
		switch {
		case err == nil:
			log.Debug().
				Int64("event_id", ev.ID).
				Str("event_type", ev.EventType).
				Str("session_id", ev.SessionID).
				Str("project_dir", ev.ProjectDir).
				Str("tool_name", ev.ToolName).
				Msg("agent event")
		case errors.As(err, &lag):
			c.metrics.RecordBusLag("ui", lag.Missed)
			log.Warn().Uint64("missed", lag.Missed).Msg("ui consumer lagged")
		case errors.Is(err, bus.ErrClosed), errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}
