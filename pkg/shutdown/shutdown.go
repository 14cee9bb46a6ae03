// Package shutdown coordinates graceful teardown of the engine's servers,
// workers and stores.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Hook is one teardown step. Lower priorities run first.
type Hook struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Fn       func(context.Context) error
}

// GracefulShutdown runs registered hooks in priority order when a shutdown
// signal arrives or Shutdown is called.
type GracefulShutdown struct {
	timeout  time.Duration
	logger   *zap.Logger
	hooks    []Hook
	done     chan struct{}
	mu       sync.Mutex
	shutdown bool
}

// New creates a shutdown manager with the given overall timeout.
func New(timeout time.Duration, logger *zap.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// AddHook registers a teardown step, keeping hooks sorted by priority.
func (gs *GracefulShutdown) AddHook(hook Hook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = gs.timeout
	}
	inserted := false
	for i, h := range gs.hooks {
		if hook.Priority < h.Priority {
			gs.hooks = append(gs.hooks[:i], append([]Hook{hook}, gs.hooks[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		gs.hooks = append(gs.hooks, hook)
	}
}

// Listen starts watching for SIGTERM/SIGINT.
func (gs *GracefulShutdown) Listen() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-c
		gs.logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		gs.Shutdown()
	}()
}

// Shutdown triggers teardown programmatically. Safe to call more than once.
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.shutdown {
		gs.mu.Unlock()
		return
	}
	gs.shutdown = true
	hooks := make([]Hook, len(gs.hooks))
	copy(hooks, gs.hooks)
	gs.mu.Unlock()

	defer close(gs.done)

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	start := time.Now()
	gs.logger.Info("Starting graceful shutdown", zap.Int("hooks", len(hooks)))

	for _, hook := range hooks {
		gs.executeHook(ctx, hook)
	}

	gs.logger.Info("Graceful shutdown completed", zap.Duration("duration", time.Since(start)))
}

func (gs *GracefulShutdown) executeHook(ctx context.Context, hook Hook) {
	hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Fn(hookCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			gs.logger.Error("Shutdown hook failed",
				zap.String("hook", hook.Name),
				zap.Error(err),
			)
			return
		}
		gs.logger.Debug("Shutdown hook completed",
			zap.String("hook", hook.Name),
			zap.Duration("duration", time.Since(start)),
		)
	case <-hookCtx.Done():
		gs.logger.Warn("Shutdown hook timed out",
			zap.String("hook", hook.Name),
			zap.Duration("timeout", hook.Timeout),
		)
	}
}

// Wait blocks until teardown has completed.
func (gs *GracefulShutdown) Wait() {
	<-gs.done
}
