// Package utils holds process-level helpers shared by the binaries:
// logging setup and ordered shutdown.
package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when a step outlives the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timed out")

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// GracefulShutdown runs registered shutdown steps in reverse registration
// order, so later components stop before the ones they depend on.
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *slog.Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register adds a shutdown step.
func (g *GracefulShutdown) Register(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step once, newest first. Steps still running when the
// timeout expires are abandoned. Errors from all steps are joined.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("starting graceful shutdown", "components", len(g.steps))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs []error
	for i := len(g.steps) - 1; i >= 0; i-- {
		step := g.steps[i]
		result := make(chan error, 1)
		go func() { result <- step.fn(shutdownCtx) }()

		select {
		case err := <-result:
			if err != nil {
				g.logger.Error("shutdown step failed", "step", step.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			}
		case <-shutdownCtx.Done():
			g.logger.Warn("graceful shutdown timed out", "step", step.name)
			return errors.Join(append(errs, fmt.Errorf("%s: %w", step.name, ErrShutdownTimeout))...)
		}
	}

	g.logger.Info("graceful shutdown complete")
	return errors.Join(errs...)
}
