package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "logkeeper"

// Collector provides a central place for all application metrics
type Collector struct {
	// Source metrics
	SourceRecordsRead  *prometheus.CounterVec
	SourceBytesRead    *prometheus.CounterVec
	SourceGarbledTotal *prometheus.CounterVec

	// Matcher metrics
	MatchDuration    *prometheus.HistogramVec
	AlertsDispatched prometheus.Counter
	AlertsDeduped    prometheus.Counter
	SinkErrors       prometheus.Counter

	// Rotation metrics
	SealsTotal  *prometheus.CounterVec
	SealedBytes *prometheus.CounterVec

	// Backup metrics
	UploadsTotal     *prometheus.CounterVec
	UploadQueueDepth prometheus.Gauge
	AbandonedUnits   prometheus.Counter

	// Retention metrics
	RetentionDeletions *prometheus.CounterVec
	RetentionConflicts prometheus.Counter

	// System metrics
	SystemGoroutines prometheus.Gauge
	SystemMemAlloc   prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.Mutex
	stopCh   chan struct{}
	started  bool
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stopCh:   make(chan struct{}),
	}

	c.initSourceMetrics()
	c.initMatchMetrics()
	c.initRotateMetrics()
	c.initBackupMetrics()
	c.initRetentionMetrics()
	c.initSystemMetrics()

	return c
}

func (c *Collector) initSourceMetrics() {
	c.SourceRecordsRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "records_read_total",
			Help:      "Total number of log records read per source file",
		},
		[]string{"source"},
	)

	c.SourceBytesRead = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "bytes_read_total",
			Help:      "Total bytes read per source file",
		},
		[]string{"source"},
	)

	c.SourceGarbledTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "garbled_records_total",
			Help:      "Total number of records flagged for invalid encoding",
		},
		[]string{"source"},
	)
}

func (c *Collector) initMatchMetrics() {
	c.MatchDuration = promauto.With(c.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "match",
			Name:      "duration_seconds",
			Help:      "Time taken to evaluate a record against all patterns",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15), // 10µs to ~300ms
		},
		[]string{"source"},
	)

	c.AlertsDispatched = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "dispatched_total",
			Help:      "Total number of alerts dispatched to sinks",
		},
	)

	c.AlertsDeduped = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "deduped_total",
			Help:      "Total number of matches absorbed by an open dedupe window",
		},
	)

	c.SinkErrors = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "sink_errors_total",
			Help:      "Total number of sink dispatch failures",
		},
	)
}

func (c *Collector) initRotateMetrics() {
	c.SealsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotate",
			Name:      "seals_total",
			Help:      "Total number of files sealed into archive units",
		},
		[]string{"source", "trigger"},
	)

	c.SealedBytes = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rotate",
			Name:      "sealed_bytes_total",
			Help:      "Total bytes sealed into archive units",
		},
		[]string{"source"},
	)
}

func (c *Collector) initBackupMetrics() {
	c.UploadsTotal = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "uploads_total",
			Help:      "Total number of upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.UploadQueueDepth = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "queue_depth",
			Help:      "Current number of archive units waiting for upload",
		},
	)

	c.AbandonedUnits = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "abandoned_units_total",
			Help:      "Total number of units abandoned after exhausted retries",
		},
	)
}

func (c *Collector) initRetentionMetrics() {
	c.RetentionDeletions = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deletions_total",
			Help:      "Total number of retention deletions by scope",
		},
		[]string{"scope"},
	)

	c.RetentionConflicts = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "conflicts_total",
			Help:      "Total number of local deletions refused for lack of a verified remote copy",
		},
	)
}

func (c *Collector) initSystemMetrics() {
	c.SystemGoroutines = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	c.SystemMemAlloc = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "memory_alloc_bytes",
			Help:      "Currently allocated heap bytes",
		},
	)
}

// Start begins collecting system metrics periodically
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.started = true

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collectSystemMetrics()
			}
		}
	}()
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)
}

func (c *Collector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	c.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
	c.SystemMemAlloc.Set(float64(m.Alloc))
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
