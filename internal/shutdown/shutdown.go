// Package shutdown tears the daemon down in reverse order of startup.
//
// Components are registered as they are started. Shutdown stops them
// last-in first-out, so the accept loop stops before the stores it uses
// are closed.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner stops a component. It should honor ctx's deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a function to Shutdowner.
type Func func(ctx context.Context) error

func (f Func) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts a Close method to Shutdowner.
func Closer(c interface{ Close() error }) Shutdowner {
	return Func(func(context.Context) error { return c.Close() })
}

type component struct {
	name string
	s    Shutdowner
}

// Coordinator stops registered components in reverse order.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With(slog.String("component", "shutdown"))}
}

// Register adds s to be stopped before every component registered earlier.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, s: s})
}

// Shutdown stops every component, continuing past failures. It returns
// the first error, or the deadline error if ctx ends before all are
// stopped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]
		if err := ctx.Err(); err != nil {
			c.logger.Error("shutdown deadline exceeded", slog.String("remaining", comp.name))
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown deadline exceeded at %s: %w", comp.name, err)
			}
			return firstErr
		}

		start := time.Now()
		if err := comp.s.Shutdown(ctx); err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("name", comp.name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown %s: %w", comp.name, err)
			}
			continue
		}
		c.logger.Debug("component stopped",
			slog.String("name", comp.name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return firstErr
}

// Len returns the number of registered components.
func (c *Coordinator) Len() int {
	return len(c.components)
}
