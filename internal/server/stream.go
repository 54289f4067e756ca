package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/p-blackswan/ijoka/internal/bus"
)

// Stream handles GET /events/stream. Every bus event is written as one
// Server-Sent Event until the client goes away, the bus closes or the
// server shuts down.
func (h *Handlers) Stream(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	sub := h.coord.Subscribe()
	ctx := h.streamCtx
	keepAlive := h.keepAlive
	log := h.logger.With().Str("consumer", "sse").Logger()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		for {
			recvCtx, cancel := context.WithTimeout(ctx, keepAlive)
			ev, err := sub.Recv(recvCtx)
			cancel()

			var lag *bus.LagError
			switch {
			case err == nil:
				data, mErr := json.Marshal(ev)
				if mErr != nil {
					continue
				}
				if ev.ID > 0 {
					fmt.Fprintf(w, "id: %d\n", ev.ID)
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
			case errors.As(err, &lag):
				h.metrics.RecordBusLag("sse", lag.Missed)
				log.Warn().Uint64("missed", lag.Missed).Msg("stream consumer lagged")
				fmt.Fprintf(w, "event: lagged\ndata: {\"missed\":%d}\n\n", lag.Missed)
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				fmt.Fprint(w, ": keep-alive\n\n")
			default:
				return
			}

			if err := w.Flush(); err != nil {
				return
			}
		}
	}))
	return nil
}
