// Package sink implements alert delivery endpoints. Every sink is
// fire-and-forget from the pipeline's point of view: failures are returned
// for logging but never stop ingestion.
package sink

import (
	"context"

	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/internal/match"
	"github.com/fleetops/logkeeper/pkg/types"
)

// LogSink writes alerts to the process's own structured log. Always
// available, used as the default sink.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a sink that emits alerts as structured log entries.
func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("alert")}
}

func (s *LogSink) Dispatch(ctx context.Context, alert *types.Alert) error {
	s.logger.Warn().
		Str("pattern_id", alert.PatternID).
		Str("severity", string(alert.Severity)).
		Str("dedupe_key", alert.DedupeKey).
		Int64("occurrence_count", alert.Count).
		Time("first_seen", alert.FirstSeen).
		Msg(alert.Message)
	return nil
}

func (s *LogSink) Name() string { return "log" }

// Build assembles the configured sink set. The log sink is always first;
// the optional remote sinks are appended when configured. A sink that fails
// to initialize is a startup error.
func Build(cfg config.SinksConfig, logger *logging.Logger) ([]match.Sink, error) {
	sinks := []match.Sink{NewLogSink(logger)}

	if cfg.Webhook != nil {
		sinks = append(sinks, NewWebhookSink(*cfg.Webhook))
	}
	if cfg.Kafka != nil {
		ks, err := NewKafkaSink(*cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ks)
	}
	if cfg.Elasticsearch != nil {
		es, err := NewElasticsearchSink(*cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, es)
	}

	return sinks, nil
}

// Close releases any sink that holds a connection, such as the Kafka
// producer.
func Close(sinks []match.Sink) {
	for _, s := range sinks {
		if closer, ok := s.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}
