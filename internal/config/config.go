package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetops/logkeeper/internal/errkind"
	"github.com/fleetops/logkeeper/pkg/types"
)

// Config is the full declarative configuration, loaded once at startup.
// Any validation failure is fatal: the pipeline never runs on a partially
// loaded configuration.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Sources   SourcesConfig    `yaml:"sources"`
	Patterns  []PatternConfig  `yaml:"patterns"`
	Rotation  RotationConfig   `yaml:"rotation"`
	Retention RetentionConfig  `yaml:"retention"`
	Storage   StorageConfig    `yaml:"storage"`
	Backup    BackupConfig     `yaml:"backup"`
	Sinks     SinksConfig      `yaml:"sinks"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
	Health    *HealthConfig    `yaml:"health,omitempty"`
	Tracing   *TracingConfig   `yaml:"tracing,omitempty"`
	Profiling *ProfilingConfig `yaml:"profiling,omitempty"`
}

// LoggingConfig controls the process's own structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// SourcesConfig defines the monitored log files and resume behavior.
type SourcesConfig struct {
	Files              []string      `yaml:"files"`
	CheckpointPath     string        `yaml:"checkpoint_path"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// PatternConfig is one alerting rule. Exactly one of Rule (regex) or
// Predicate (structured field conditions) must be set.
type PatternConfig struct {
	ID            string            `yaml:"id"`
	Rule          string            `yaml:"rule,omitempty"`
	Predicate     []PredicateClause `yaml:"predicate,omitempty"`
	Severity      types.Severity    `yaml:"severity"`
	AlertTemplate string            `yaml:"alert_template,omitempty"`
	DedupeWindow  time.Duration     `yaml:"dedupe_window"`
}

// PredicateClause is a single condition of a structured predicate rule.
type PredicateClause struct {
	Field string `yaml:"field"`
	Op    string `yaml:"op"` // equals, contains
	Value string `yaml:"value"`
}

// RotationConfig holds seal thresholds for monitored files.
type RotationConfig struct {
	MaxSize      int64         `yaml:"max_size"`
	MaxAge       time.Duration `yaml:"max_age"`
	TickInterval time.Duration `yaml:"tick_interval"`
	ArchiveDir   string        `yaml:"archive_dir"`
}

// RetentionConfig holds per-scope retention policies.
type RetentionConfig struct {
	Local        types.RetentionPolicy `yaml:"local"`
	Remote       types.RetentionPolicy `yaml:"remote"`
	TickInterval time.Duration         `yaml:"tick_interval"`
}

// StorageConfig describes the object storage destination for archives.
type StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix,omitempty"`
	StorageClass string `yaml:"storage_class,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
	Compression  string `yaml:"compression,omitempty"` // none, snappy, gzip
}

// BackupConfig tunes the upload worker pool and retry behavior.
type BackupConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxRetries  int           `yaml:"max_retries"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	CatalogPath string        `yaml:"catalog_path"`
	LedgerPath  string        `yaml:"ledger_path"`
}

// SinksConfig configures alert delivery.
type SinksConfig struct {
	RatePerSecond float64                  `yaml:"rate_per_second,omitempty"`
	Burst         int                      `yaml:"burst,omitempty"`
	Webhook       *WebhookSinkConfig       `yaml:"webhook,omitempty"`
	Kafka         *KafkaSinkConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchSinkConfig `yaml:"elasticsearch,omitempty"`
}

// WebhookSinkConfig posts alerts as JSON to an HTTP endpoint.
type WebhookSinkConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// KafkaSinkConfig publishes alerts to a Kafka topic.
type KafkaSinkConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ElasticsearchSinkConfig indexes alerts for triage.
type ElasticsearchSinkConfig struct {
	Addresses []string `yaml:"addresses"`
	Index     string   `yaml:"index"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
}

// MetricsConfig exposes a Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig exposes liveness/readiness endpoints.
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig enables OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// ProfilingConfig exposes pprof endpoints.
type ProfilingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address,omitempty"`
}

// Default values
const (
	DefaultCheckpointPath     = "/var/lib/logkeeper/checkpoints"
	DefaultCheckpointInterval = 5 * time.Second
	DefaultCatalogPath        = "/var/lib/logkeeper/catalog.json"
	DefaultLedgerPath         = "/var/lib/logkeeper/abandoned.json"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMaxSize            = 64 * 1024 * 1024
	DefaultTickInterval       = 30 * time.Second
	DefaultBackupWorkers      = 2
	DefaultBackupQueueSize    = 32
	DefaultMaxRetries         = 5
	DefaultInitialWait        = 500 * time.Millisecond
	DefaultMaxWait            = 30 * time.Second
)

// Load loads configuration from a YAML file with environment variable
// expansion. All errors carry errkind.KindConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.KindConfig, fmt.Errorf("failed to read config file: %w", err))
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, errkind.New(errkind.KindConfig, fmt.Errorf("failed to parse config: %w", err))
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errkind.New(errkind.KindConfig, fmt.Errorf("invalid configuration: %w", err))
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Sources.CheckpointPath == "" {
		c.Sources.CheckpointPath = DefaultCheckpointPath
	}
	if c.Sources.CheckpointInterval == 0 {
		c.Sources.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = DefaultMaxSize
	}
	if c.Rotation.TickInterval == 0 {
		c.Rotation.TickInterval = DefaultTickInterval
	}
	if c.Retention.TickInterval == 0 {
		c.Retention.TickInterval = time.Minute
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = "none"
	}
	if c.Backup.Workers == 0 {
		c.Backup.Workers = DefaultBackupWorkers
	}
	if c.Backup.QueueSize == 0 {
		c.Backup.QueueSize = DefaultBackupQueueSize
	}
	if c.Backup.MaxRetries == 0 {
		c.Backup.MaxRetries = DefaultMaxRetries
	}
	if c.Backup.InitialWait == 0 {
		c.Backup.InitialWait = DefaultInitialWait
	}
	if c.Backup.MaxWait == 0 {
		c.Backup.MaxWait = DefaultMaxWait
	}
	if c.Backup.CatalogPath == "" {
		c.Backup.CatalogPath = DefaultCatalogPath
	}
	if c.Backup.LedgerPath == "" {
		c.Backup.LedgerPath = DefaultLedgerPath
	}
	for i := range c.Patterns {
		if c.Patterns[i].Severity == "" {
			c.Patterns[i].Severity = types.SeverityMedium
		}
		if c.Patterns[i].DedupeWindow == 0 {
			c.Patterns[i].DedupeWindow = 5 * time.Minute
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Sources.Files) == 0 {
		return fmt.Errorf("at least one source file must be configured")
	}

	seen := make(map[string]bool)
	for i, p := range c.Patterns {
		if p.ID == "" {
			return fmt.Errorf("pattern %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate pattern id %q", p.ID)
		}
		seen[p.ID] = true

		hasRule := p.Rule != ""
		hasPredicate := len(p.Predicate) > 0
		if hasRule == hasPredicate {
			return fmt.Errorf("pattern %q must set exactly one of rule or predicate", p.ID)
		}
		if hasRule {
			if _, err := regexp.Compile(p.Rule); err != nil {
				return fmt.Errorf("pattern %q has invalid rule: %w", p.ID, err)
			}
		}
		for j, clause := range p.Predicate {
			if clause.Field == "" {
				return fmt.Errorf("pattern %q predicate clause %d has no field", p.ID, j)
			}
			switch clause.Op {
			case "equals", "contains":
			default:
				return fmt.Errorf("pattern %q predicate clause %d has invalid op %q", p.ID, j, clause.Op)
			}
		}
		switch p.Severity {
		case types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical:
		default:
			return fmt.Errorf("pattern %q has invalid severity %q", p.ID, p.Severity)
		}
		if p.DedupeWindow < 0 {
			return fmt.Errorf("pattern %q has negative dedupe window", p.ID)
		}
	}

	if c.Rotation.MaxSize < 0 {
		return fmt.Errorf("rotation max_size must not be negative")
	}
	if c.Retention.Local.MaxAge < 0 || c.Retention.Remote.MaxAge < 0 {
		return fmt.Errorf("retention max_age must not be negative")
	}
	if c.Retention.Local.MaxCount < 0 || c.Retention.Remote.MaxCount < 0 {
		return fmt.Errorf("retention max_count must not be negative")
	}

	switch c.Storage.Compression {
	case "none", "snappy", "gzip":
	default:
		return fmt.Errorf("invalid storage compression: %s", c.Storage.Compression)
	}

	if c.Sinks.Kafka != nil {
		if len(c.Sinks.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka sink has no brokers configured")
		}
		if c.Sinks.Kafka.Topic == "" {
			return fmt.Errorf("kafka sink has no topic configured")
		}
	}
	if c.Sinks.Webhook != nil && c.Sinks.Webhook.URL == "" {
		return fmt.Errorf("webhook sink has no url configured")
	}
	if c.Sinks.Elasticsearch != nil {
		if len(c.Sinks.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("elasticsearch sink has no addresses configured")
		}
		if c.Sinks.Elasticsearch.Index == "" {
			return fmt.Errorf("elasticsearch sink has no index configured")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
