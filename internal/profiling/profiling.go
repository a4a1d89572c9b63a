// Package profiling serves Go's pprof endpoints for the running pipeline.
package profiling

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/fleetops/logkeeper/internal/logging"
)

// Config holds profiling configuration
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Profiler exposes the pprof HTTP endpoints on a dedicated listener.
type Profiler struct {
	config Config
	logger *logging.Logger
	server *http.Server
}

// New creates a new profiler
func New(config Config, logger *logging.Logger) *Profiler {
	if config.Address == "" {
		config.Address = "localhost:6060"
	}

	return &Profiler{
		config: config,
		logger: logger.WithComponent("profiling"),
	}
}

// Start begins serving pprof. A no-op when disabled.
func (p *Profiler) Start() {
	if !p.config.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	p.server = &http.Server{
		Addr:        p.config.Address,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		p.logger.Info().Str("address", p.config.Address).Msg("Starting pprof server")
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.Error().Err(err).Msg("pprof server error")
		}
	}()
}

// Stop shuts the pprof server down
func (p *Profiler) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
