package match

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/pkg/types"
)

// Sink delivers alerts to an external endpoint. Delivery is at-least-once;
// a sink failure is logged and never aborts ingestion.
type Sink interface {
	Dispatch(ctx context.Context, alert *types.Alert) error
	Name() string
}

// AlertStore is the explicit, injected map of live alerts keyed by dedupe
// key. Each pipeline instance owns its own store.
type AlertStore struct {
	mu     sync.Mutex
	alerts map[string]*types.Alert
}

// NewAlertStore creates an empty alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]*types.Alert)}
}

// Len returns the number of live alerts.
func (s *AlertStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

// Snapshot returns a copy of all live alerts.
func (s *AlertStore) Snapshot() []*types.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// EngineStats counts engine outcomes for observability hooks.
type EngineStats struct {
	Dispatched uint64
	Deduped    uint64
	SinkErrors uint64
}

// Engine deduplicates match events into alerts and fans them out to sinks.
type Engine struct {
	patterns map[string]*Pattern
	store    *AlertStore
	sinks    []Sink
	limiter  *rate.Limiter
	logger   *logging.Logger
	now      func() time.Time

	statsMu sync.Mutex
	stats   EngineStats
}

// EngineConfig assembles an Engine.
type EngineConfig struct {
	Patterns []*Pattern
	Store    *AlertStore
	Sinks    []Sink
	// RatePerSecond bounds sink dispatch; zero means unlimited.
	RatePerSecond float64
	Burst         int
	Logger        *logging.Logger
}

// NewEngine creates an alert engine.
func NewEngine(cfg EngineConfig) *Engine {
	byID := make(map[string]*Pattern, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		byID[p.ID] = p
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	store := cfg.Store
	if store == nil {
		store = NewAlertStore()
	}

	return &Engine{
		patterns: byID,
		store:    store,
		sinks:    cfg.Sinks,
		limiter:  limiter,
		logger:   cfg.Logger.WithComponent("alerts"),
		now:      time.Now,
	}
}

// Handle applies dedupe-window semantics to one match event. The first
// match for a key dispatches immediately; repeats inside the window only
// bump the counter; a match after the window elapsed starts a fresh alert
// and dispatches again.
func (e *Engine) Handle(ctx context.Context, event *types.MatchEvent) {
	pattern, ok := e.patterns[event.PatternID]
	if !ok {
		return
	}

	key := DedupeKey(event.PatternID, event.Fields)
	now := event.MatchedAt
	if now.IsZero() {
		now = e.now()
	}

	e.store.mu.Lock()
	alert, live := e.store.alerts[key]
	if live && now.Sub(alert.LastSeen) <= pattern.DedupeWindow {
		alert.Count++
		alert.LastSeen = now
		e.store.mu.Unlock()
		e.bump(func(s *EngineStats) { s.Deduped++ })
		return
	}

	alert = &types.Alert{
		PatternID: pattern.ID,
		DedupeKey: key,
		Severity:  pattern.Severity,
		Message:   renderMessage(pattern, event),
		FirstSeen: now,
		LastSeen:  now,
		Count:     1,
	}
	e.store.alerts[key] = alert
	dispatched := *alert
	e.store.mu.Unlock()

	e.dispatch(ctx, &dispatched)
}

// Process evaluates a record and handles every resulting match.
func (e *Engine) Process(ctx context.Context, matcher *Matcher, record *types.LogRecord) {
	for _, event := range matcher.Evaluate(record) {
		e.Handle(ctx, event)
	}
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) bump(fn func(*EngineStats)) {
	e.statsMu.Lock()
	fn(&e.stats)
	e.statsMu.Unlock()
}

func (e *Engine) dispatch(ctx context.Context, alert *types.Alert) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
	}

	e.bump(func(s *EngineStats) { s.Dispatched++ })

	for _, sink := range e.sinks {
		if err := sink.Dispatch(ctx, alert); err != nil {
			e.bump(func(s *EngineStats) { s.SinkErrors++ })
			e.logger.Warn().
				Err(err).
				Str("sink", sink.Name()).
				Str("pattern_id", alert.PatternID).
				Msg("Alert dispatch failed")
		}
	}
}

// renderMessage expands ${field} references in the alert template from the
// matched fields, plus ${raw}, ${pattern} and ${severity}.
func renderMessage(pattern *Pattern, event *types.MatchEvent) string {
	if pattern.AlertTemplate == "" {
		return event.Record.Raw
	}
	return os.Expand(pattern.AlertTemplate, func(name string) string {
		switch name {
		case "raw":
			return event.Record.Raw
		case "pattern":
			return pattern.ID
		case "severity":
			return string(pattern.Severity)
		}
		return event.Fields[name]
	})
}
