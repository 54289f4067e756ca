// Package health provides liveness and readiness checks for the ingestion server.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckTimeout bounds a single check.
const CheckTimeout = 5 * time.Second

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Pinger is satisfied by the local cache.
type Pinger interface {
	Ping() error
}

// CacheCheck reports down when the cache cannot be reached.
func CacheCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// MirrorCheck reports degraded while the graph mirror is disconnected. It
// never reports down.
func MirrorCheck(connected func() bool) CheckFunc {
	return func(ctx context.Context) Status {
		if connected() {
			return StatusOK
		}
		return StatusDegraded
	}
}

// Checker manages health checks for all dependencies.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK {
				c.logger.Warn().Str("check", n).Str("status", string(s)).Msg("health check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()
	return results
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// Liveness is the fiber handler for /healthz.
func Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness is the fiber handler for /readyz.
func (c *Checker) Readiness(ctx *fiber.Ctx) error {
	results := c.RunAll(ctx.UserContext())

	resp := fiber.Map{"checks": results}
	if ready(results) {
		resp["status"] = "ready"
		return ctx.JSON(resp)
	}
	resp["status"] = "not_ready"
	return ctx.Status(fiber.StatusServiceUnavailable).JSON(resp)
}
