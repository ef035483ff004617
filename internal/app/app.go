package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/config"
	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/core/cache"
	db "github.com/markdave123-py/docpipe/internal/core/database"
	"github.com/markdave123-py/docpipe/internal/core/extraction_engine"
	"github.com/markdave123-py/docpipe/internal/core/fingerprint"
	"github.com/markdave123-py/docpipe/internal/core/governor"
	objectclient "github.com/markdave123-py/docpipe/internal/core/object-client"
	"github.com/markdave123-py/docpipe/internal/core/perf"
	"github.com/markdave123-py/docpipe/internal/core/processing_engine"
	"github.com/markdave123-py/docpipe/internal/core/scanner"
	"github.com/markdave123-py/docpipe/internal/core/taskqueue"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/services"
)

type App struct {
	Config       *config.Config
	Orchestrator *processing_engine.Orchestrator
	Queue        *taskqueue.Queue
	Cache        *cache.ResultCache
	Objects      *objectclient.S3Client
	Archive      *services.DocumentService
	Registry     *prometheus.Registry
	Server       *Server

	closers []io.Closer
	logger  *zap.Logger
}

// NewApp wires every component from cfg. Backends that need a network
// connection are contacted here, so a misconfigured store fails startup.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("configuration", zap.String("warning", w))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	appCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	a := &App{Config: cfg, logger: logger}

	if cfg.NeedsObjectStorage() {
		objects, err := objectclient.NewS3Client(appCtx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Objects = objects
		logger.Info("object client initialized", zap.String("bucket", cfg.BucketName))
	}
	if cfg.ArchiveUploads {
		a.Archive = services.NewDocumentService(a.Objects, cfg.BucketName, logger)
	}

	store, err := a.buildStore(appCtx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if store != nil {
		a.Cache = cache.New(store, cache.Config{
			DefaultTTL:      cfg.CacheTTL,
			TenantIsolation: cfg.CacheTenantIsolation,
		}, logger)
	}

	patternSets, err := config.LoadPatternSets(cfg.PatternsFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := perf.NewPrometheusSink(a.Registry)

	var sampler core.MemorySampler
	if s, err := governor.NewSystemSampler(); err != nil {
		logger.Warn("memory sampling unavailable; governor disabled", zap.Error(err))
	} else {
		sampler = s
	}

	a.Queue = taskqueue.New(taskqueue.Config{
		Workers:     cfg.QueueWorkers,
		Capacity:    cfg.QueueCapacity,
		TaskTimeout: cfg.TaskTimeout,
	}, logger)

	deps := processing_engine.Deps{
		Fingerprinter: fingerprint.New(fingerprint.Config{}, logger),
		Cache:         a.Cache,
		Queue:         a.Queue,

		// Range jobs must not use Queue: async Process calls run on its workers.
		Executor:    extraction_engine.NewPoolExecutor(cfg.ExtractWorkers),
		Sampler:     sampler,
		Governor:    governor.New(cfg.MemoryMaxFraction, sampler, logger),
		Sink:        sink,
		Scanner:     scanner.New(scanner.Config{ChunkSize: cfg.ScanChunkSize, MaxMatchLength: cfg.ScanMaxMatch}),
		PatternSets: patternSets,
	}
	if a.Objects != nil {
		deps.Objects = a.Objects
	}
	a.Orchestrator = processing_engine.New(processing_engine.Config{
		ExtractWorkers:     cfg.ExtractWorkers,
		PageChunkSize:      cfg.PageChunkSize,
		LinesPerPage:       cfg.LinesPerPage,
		StreamingThreshold: cfg.StreamingThreshold,
	}, deps, logger)

	a.Server = NewServer(cfg, ServerDeps{
		Processor: a.Orchestrator,
		Cache:     a.Cache,
		Archive:   a.Archive,
		Registry:  a.Registry,
	}, logger)

	logger.Info("docpipe ready",
		zap.String("cache_backend", cfg.CacheBackend),
		zap.Int("queue_workers", cfg.QueueWorkers),
		zap.Int("pattern_sets", len(patternSets)))
	return a, nil
}

// buildStore returns nil for the none backend. Remote stores are wrapped in
// a circuit breaker.
func (a *App) buildStore(ctx context.Context) (core.CacheStore, error) {
	cfg := a.Config
	breaker := func(name string, inner core.CacheStore) core.CacheStore {
		return cache.NewBreakerStore(name, inner, cache.BreakerConfig{}, a.logger)
	}

	switch cfg.CacheBackend {
	case config.CacheNone:
		return nil, nil
	case config.CacheMemory:
		return cache.NewMemoryStore(), nil
	case config.CacheFile:
		return cache.NewFileStore(cfg.CacheDir)
	case config.CachePostgres:
		client, err := db.NewDatabaseClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		a.logger.Info("database initialized and ready")
		return breaker("postgres", client), nil
	case config.CacheRedis:
		rs, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.CachePrefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs)
		return breaker("redis", rs), nil
	case config.CacheS3:
		return breaker("s3", cache.NewObjectStore(a.Objects, cfg.BucketName, cfg.CachePrefix)), nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

// RunSweeper clears expired cache entries every interval until ctx ends.
func (a *App) RunSweeper(ctx context.Context, interval time.Duration) {
	if a.Cache == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := a.Cache.ClearExpired(ctx); n > 0 {
				a.logger.Info("expired cache entries removed", zap.Int("removed", n))
			}
		}
	}
}

// Close drains the queue and releases backend connections.
func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.StopWorkers()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}
