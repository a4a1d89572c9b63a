// Package scheduler assembles the pipeline and drives its periodic loops:
// ingestion and matching, rotation checks, retention checks and the upload
// workers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetops/logkeeper/internal/backup"
	"github.com/fleetops/logkeeper/internal/config"
	"github.com/fleetops/logkeeper/internal/health"
	"github.com/fleetops/logkeeper/internal/logging"
	"github.com/fleetops/logkeeper/internal/match"
	"github.com/fleetops/logkeeper/internal/metrics"
	"github.com/fleetops/logkeeper/internal/profiling"
	"github.com/fleetops/logkeeper/internal/retention"
	"github.com/fleetops/logkeeper/internal/rotate"
	"github.com/fleetops/logkeeper/internal/server"
	"github.com/fleetops/logkeeper/internal/shutdown"
	"github.com/fleetops/logkeeper/internal/sink"
	"github.com/fleetops/logkeeper/internal/source"
	"github.com/fleetops/logkeeper/internal/tracing"
	"github.com/fleetops/logkeeper/pkg/types"
)

// Scheduler owns the pipeline's components and their lifecycles.
type Scheduler struct {
	cfg    *config.Config
	logger *logging.Logger

	collector *metrics.Collector
	checker   *health.Checker
	srv       *server.Server
	tracer    *tracing.Provider
	profiler  *profiling.Profiler

	checkpoint *source.Checkpoint
	src        *source.Source
	matcher    *match.Matcher
	engine     *match.Engine
	sinks      []match.Sink
	policy     *rotate.Policy
	manager    *backup.Manager
	queue      *backup.Queue
	ledger     *backup.Ledger
	enforcer   *retention.Enforcer

	wg sync.WaitGroup
}

// New builds the whole pipeline from configuration. Construction touches
// the network only for the object storage client; nothing starts running
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cfg:       cfg,
		logger:    logger.WithComponent("scheduler"),
		collector: metrics.NewCollector(),
	}

	tracingCfg := tracing.Config{}
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:    cfg.Tracing.Enabled,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		}
	}
	tracer, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return nil, err
	}
	s.tracer = tracer

	store, err := backup.NewS3Store(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	catalog, err := backup.NewCatalog(cfg.Backup.CatalogPath)
	if err != nil {
		return nil, err
	}
	ledger, err := backup.NewLedger(cfg.Backup.LedgerPath)
	if err != nil {
		return nil, err
	}
	s.ledger = ledger
	s.manager, err = backup.NewManager(backup.ManagerConfig{
		Store:       store,
		Catalog:     catalog,
		Ledger:      ledger,
		Prefix:      cfg.Storage.Prefix,
		Compression: cfg.Storage.Compression,
		MaxRetries:  cfg.Backup.MaxRetries,
		InitialWait: cfg.Backup.InitialWait,
		MaxWait:     cfg.Backup.MaxWait,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.queue = backup.NewQueue(backup.QueueConfig{
		Workers:   cfg.Backup.Workers,
		QueueSize: cfg.Backup.QueueSize,
	}, s.manager, logger)

	patterns, err := match.Compile(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	s.matcher = match.NewMatcher(patterns)

	s.sinks, err = sink.Build(cfg.Sinks, logger)
	if err != nil {
		return nil, err
	}
	s.engine = match.NewEngine(match.EngineConfig{
		Patterns:      patterns,
		Sinks:         s.sinks,
		RatePerSecond: cfg.Sinks.RatePerSecond,
		Burst:         cfg.Sinks.Burst,
		Logger:        logger,
	})

	s.checkpoint, err = source.NewCheckpoint(cfg.Sources.CheckpointPath, cfg.Sources.CheckpointInterval)
	if err != nil {
		return nil, err
	}
	if err := s.checkpoint.Load(); err != nil {
		logger.WithComponent("checkpoint").Failure(err, "Persisted cursors unreadable, starting from scratch")
	}
	s.src, err = source.New(cfg.Sources.Files, s.checkpoint, logger)
	if err != nil {
		return nil, err
	}

	s.policy = rotate.New(rotate.Config{
		MaxSize:    cfg.Rotation.MaxSize,
		MaxAge:     cfg.Rotation.MaxAge,
		ArchiveDir: cfg.Rotation.ArchiveDir,
	}, logger, s.onSeal, s.src.NotifySealed)
	for _, path := range cfg.Sources.Files {
		s.policy.Track(path)
	}

	s.enforcer = retention.NewEnforcer(retention.Config{
		Local:  cfg.Retention.Local,
		Remote: cfg.Retention.Remote,
	}, s.manager, logger)

	s.checker = health.NewChecker(0)
	s.registerHealthChecks()

	metricsAddr, metricsPath := "", ""
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsAddr, metricsPath = cfg.Metrics.Address, cfg.Metrics.Path
	}
	healthAddr, livePath, readyPath := "", "", ""
	if cfg.Health != nil && cfg.Health.Enabled {
		healthAddr, livePath, readyPath = cfg.Health.Address, cfg.Health.LivenessPath, cfg.Health.ReadinessPath
	}
	if metricsAddr != "" || healthAddr != "" {
		s.srv = server.New(server.Config{
			MetricsAddress: metricsAddr,
			MetricsPath:    metricsPath,
			HealthAddress:  healthAddr,
			LivenessPath:   livePath,
			ReadinessPath:  readyPath,
			Registry:       s.collector.Registry(),
			Checker:        s.checker,
			Logger:         logger,
		})
	}

	if cfg.Profiling != nil {
		s.profiler = profiling.New(profiling.Config{
			Enabled: cfg.Profiling.Enabled,
			Address: cfg.Profiling.Address,
		}, logger)
	}

	return s, nil
}

// onSeal hands a freshly sealed unit to the upload pipeline. Submit blocks
// when the queue is full, so rotation waits instead of dropping units.
func (s *Scheduler) onSeal(unit *types.ArchiveUnit) {
	s.collector.SealsTotal.WithLabelValues(unit.SourceFile, "threshold").Inc()
	s.collector.SealedBytes.WithLabelValues(unit.SourceFile).Add(float64(unit.SizeBytes))

	if err := s.manager.Accept(unit); err != nil {
		s.logger.WithUnit(unit.ID).Failure(err, "Failed to catalog sealed unit")
		return
	}
	if err := s.queue.Submit(unit.ID); err != nil {
		s.logger.WithUnit(unit.ID).Failure(err, "Failed to enqueue sealed unit")
	}
}

// uploadQueueHealth maps the queue's failure count onto a component status.
// Abandoned uploads degrade the pipeline but do not make it unready.
func uploadQueueHealth(failed uint64) health.ComponentHealth {
	if failed > 0 {
		return health.ComponentHealth{
			Status:  health.StatusDegraded,
			Message: fmt.Sprintf("%d uploads abandoned, see ledger", failed),
		}
	}
	return health.ComponentHealth{Status: health.StatusHealthy}
}

func (s *Scheduler) registerHealthChecks() {
	s.checker.Register("upload-queue", func(ctx context.Context) health.ComponentHealth {
		_, failed := s.queue.Stats()
		return uploadQueueHealth(failed)
	})
	s.checker.Register("checkpoint", health.CheckFunc(func() (bool, string) {
		if err := s.checkpoint.Save(); err != nil {
			return false, err.Error()
		}
		return true, ""
	}))
}

// Run starts the pipeline and blocks until the context is cancelled or a
// termination signal arrives, then tears the pipeline down in order:
// ingestion first, uploads and sinks after.
func (s *Scheduler) Run(ctx context.Context) error {
	s.collector.Start()
	if s.profiler != nil {
		s.profiler.Start()
	}
	if s.srv != nil {
		if err := s.srv.Start(); err != nil {
			return err
		}
	}

	s.checkpoint.Start()
	if err := s.src.Start(); err != nil {
		return err
	}
	s.queue.Start(ctx)

	loopCtx, cancelLoops := context.WithCancel(context.Background())

	ingestDone := make(chan struct{})
	go s.ingestLoop(ctx, ingestDone)
	s.runPeriodic(loopCtx, s.rotationInterval(), func(c context.Context) { s.policy.Tick(c) })
	s.runPeriodic(loopCtx, s.retentionInterval(), func(c context.Context) {
		stats := s.enforcer.Enforce(c)
		s.collector.RetentionDeletions.WithLabelValues("local").Add(float64(stats.LocalDeleted))
		s.collector.RetentionDeletions.WithLabelValues("remote").Add(float64(stats.RemoteDeleted))
		s.collector.RetentionConflicts.Add(float64(stats.Conflicts))
	})
	var prevStats match.EngineStats
	var prevProcessed, prevFailed uint64
	var prevAbandoned int
	s.runPeriodic(loopCtx, 5*time.Second, func(context.Context) {
		s.collector.UploadQueueDepth.Set(float64(s.queue.Depth()))

		stats := s.engine.Stats()
		s.collector.AlertsDispatched.Add(float64(stats.Dispatched - prevStats.Dispatched))
		s.collector.AlertsDeduped.Add(float64(stats.Deduped - prevStats.Deduped))
		s.collector.SinkErrors.Add(float64(stats.SinkErrors - prevStats.SinkErrors))
		prevStats = stats

		processed, failed := s.queue.Stats()
		s.collector.UploadsTotal.WithLabelValues("verified").Add(float64(processed - prevProcessed))
		s.collector.UploadsTotal.WithLabelValues("failed").Add(float64(failed - prevFailed))
		prevProcessed, prevFailed = processed, failed

		abandoned := len(s.ledger.Entries())
		if abandoned > prevAbandoned {
			s.collector.AbandonedUnits.Add(float64(abandoned - prevAbandoned))
			prevAbandoned = abandoned
		}
	})

	sd := shutdown.New(shutdown.Config{Timeout: 30 * time.Second, Logger: s.logger})
	s.registerShutdown(sd, cancelLoops, ingestDone)

	go sd.WaitForSignal()
	select {
	case <-ctx.Done():
		sd.Shutdown()
	case <-sd.Channel():
	}
	<-sd.Done()
	return nil
}

func (s *Scheduler) registerShutdown(sd *shutdown.Manager, cancelLoops context.CancelFunc, ingestDone chan struct{}) {
	// Reverse order: the last registration stops first.
	sd.RegisterFunc("tracing", s.tracer.Shutdown)
	if s.profiler != nil {
		sd.RegisterFunc("profiling", s.profiler.Stop)
	}
	sd.RegisterFunc("metrics", func(context.Context) error {
		s.collector.Stop()
		return nil
	})
	if s.srv != nil {
		sd.RegisterFunc("server", s.srv.Stop)
	}
	sd.RegisterFunc("sinks", func(context.Context) error {
		sink.Close(s.sinks)
		return nil
	})
	sd.RegisterFunc("upload-queue", func(context.Context) error {
		s.queue.Stop()
		return nil
	})
	sd.RegisterFunc("periodic-loops", func(context.Context) error {
		cancelLoops()
		s.wg.Wait()
		return nil
	})
	sd.RegisterFunc("checkpoint", func(context.Context) error {
		s.checkpoint.Stop()
		return nil
	})
	sd.RegisterFunc("source", func(ctx context.Context) error {
		s.src.Stop()
		select {
		case <-ingestDone:
		case <-ctx.Done():
		}
		return nil
	})
}

// ingestLoop drains the source's records through the matcher and engine.
// It exits when the source closes its channel during shutdown, after the
// remaining buffered records have been evaluated.
func (s *Scheduler) ingestLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for record := range s.src.Records() {
		s.collector.SourceRecordsRead.WithLabelValues(record.SourceID).Inc()
		s.collector.SourceBytesRead.WithLabelValues(record.SourceID).Add(float64(len(record.Raw)))
		if record.Garbled {
			s.collector.SourceGarbledTotal.WithLabelValues(record.SourceID).Inc()
		}

		start := time.Now()
		s.engine.Process(ctx, s.matcher, record)
		s.collector.MatchDuration.WithLabelValues(record.SourceID).Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) runPeriodic(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (s *Scheduler) rotationInterval() time.Duration {
	if s.cfg.Rotation.TickInterval > 0 {
		return s.cfg.Rotation.TickInterval
	}
	return 10 * time.Second
}

func (s *Scheduler) retentionInterval() time.Duration {
	if s.cfg.Retention.TickInterval > 0 {
		return s.cfg.Retention.TickInterval
	}
	return time.Minute
}
