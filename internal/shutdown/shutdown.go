// Package shutdown coordinates graceful teardown of the pipeline.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fleetops/logkeeper/internal/logging"
)

// Func is a function that performs cleanup during shutdown
type Func func(context.Context) error

type registration struct {
	name string
	fn   Func
}

// Manager handles graceful shutdown. Registered functions run sequentially
// in reverse registration order, so the ingest side stops before the
// components downstream of it.
type Manager struct {
	logger   *logging.Logger
	timeout  time.Duration
	funcs    []registration
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Config holds shutdown manager configuration
type Config struct {
	Timeout time.Duration
	Logger  *logging.Logger
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Manager{
		logger:  cfg.Logger.WithComponent("shutdown"),
		timeout: cfg.Timeout,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RegisterFunc registers a shutdown function. Later registrations run first.
func (m *Manager) RegisterFunc(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, registration{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives, then shuts down.
func (m *Manager) WaitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		m.logger.Info().
			Str("signal", sig.String()).
			Msg("Shutdown signal received")
		m.Shutdown()
	case <-m.stopCh:
	}
}

// Shutdown initiates graceful shutdown. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.run()
	})
}

func (m *Manager) run() {
	m.mu.Lock()
	funcs := make([]registration, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("components", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	failures := 0
	for i := len(funcs) - 1; i >= 0; i-- {
		reg := funcs[i]

		if ctx.Err() != nil {
			m.logger.Warn().
				Str("component", reg.name).
				Msg("Shutdown timed out before component could stop")
			failures++
			continue
		}

		if err := reg.fn(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("component", reg.name).
				Msg("Component shutdown failed")
			failures++
			continue
		}
		m.logger.Debug().Str("component", reg.name).Msg("Component stopped")
	}

	if failures > 0 {
		m.logger.Warn().Int("failures", failures).Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed")
	}

	close(m.done)
}

// Done is closed when shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Channel is closed as soon as shutdown is initiated.
func (m *Manager) Channel() <-chan struct{} {
	return m.stopCh
}
