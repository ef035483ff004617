// Package processing_engine is the entry point of the pipeline: it validates
// a source, consults the result cache, picks a strategy and runs it under the
// memory governor while recording performance metrics.
package processing_engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/core/cache"
	"github.com/markdave123-py/docpipe/internal/core/extraction_engine"
	"github.com/markdave123-py/docpipe/internal/core/fingerprint"
	"github.com/markdave123-py/docpipe/internal/core/governor"
	"github.com/markdave123-py/docpipe/internal/core/perf"
	"github.com/markdave123-py/docpipe/internal/core/scanner"
	"github.com/markdave123-py/docpipe/internal/core/taskqueue"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

// ErrInvalidOptions is reported for options that cannot be honoured.
var ErrInvalidOptions = errors.New("invalid options")

const (
	StrategyRecords   = "records"
	StrategyDirect    = "direct"
	StrategyStreaming = "streaming"
)

// Outcomes reported to the metrics sink.
const (
	outcomeOK      = "ok"
	outcomePartial = "partial"
	outcomeError   = "error"
	outcomeCached  = "cached"
)

type Config struct {
	ExtractWorkers     int
	PageChunkSize      int
	LinesPerPage       int
	StreamingThreshold int64
	// TempDir holds downloaded object sources; "" means os.TempDir().
	TempDir string
}

// Deps are the collaborators. Cache, Queue, Objects, Sink and Governor may be
// nil: caching, async submission, object sources, metrics export and
// memory supervision are then disabled.
type Deps struct {
	Fingerprinter *fingerprint.Fingerprinter
	Cache         *cache.ResultCache
	Queue         *taskqueue.Queue
	Executor      core.Executor
	Sampler       core.MemorySampler
	Governor      *governor.Governor
	Sink          perf.Sink
	Scanner       *scanner.Scanner
	Objects       core.ObjectClient

	// PatternSets are the named sets selectable with Options.PatternSet, in
	// addition to the built-in "default" set.
	PatternSets map[string]map[string]string

	Primary   core.Extractor
	Secondary core.Extractor
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	pdfSources  []core.PageSource
	textSources []core.PageSource
	plainText   *extraction_engine.PlainTextSource
	docconv     *extraction_engine.DocconvSource

	logger *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	logger = logging.OrNop(logger).Named("orchestrator")

	if cfg.ExtractWorkers <= 0 {
		cfg.ExtractWorkers = runtime.NumCPU()
	}
	if cfg.PageChunkSize <= 0 {
		cfg.PageChunkSize = extraction_engine.DefaultPageChunkSize
	}
	if cfg.StreamingThreshold <= 0 {
		cfg.StreamingThreshold = 4 << 20
	}
	if deps.Fingerprinter == nil {
		deps.Fingerprinter = fingerprint.New(fingerprint.Config{}, logger)
	}
	if deps.Scanner == nil {
		deps.Scanner = scanner.New(scanner.Config{})
	}
	if deps.Executor == nil {
		deps.Executor = extraction_engine.NewPoolExecutor(cfg.ExtractWorkers)
	}
	sets := map[string]map[string]string{scanner.DefaultSetName: scanner.DefaultPatterns()}
	for name, set := range deps.PatternSets {
		sets[name] = set
	}
	deps.PatternSets = sets

	plain := extraction_engine.NewPlainTextSource(cfg.LinesPerPage)
	conv := extraction_engine.NewDocconvSource(false, logger)
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		pdfSources: []core.PageSource{
			extraction_engine.NewPDFTextSource(),
			extraction_engine.NewPDFContentSource(),
			conv,
		},
		textSources: []core.PageSource{plain, conv},
		plainText:   plain,
		docconv:     conv,
		logger:      logger,
	}
}

// run carries the state of one Process call.
type run struct {
	src      models.Source
	opts     models.Options
	patterns scanner.PatternSet
	exprs    map[string]string
	rec      *perf.Recorder
	res      *models.ProcessingResult
	logger   *zap.Logger
}

// Process runs the pipeline for one source. It never panics and never
// returns an error: failures are reported in the result's Error field
// together with the metrics gathered up to that point.
func (o *Orchestrator) Process(ctx context.Context, src models.Source, opts models.Options) (res *models.ProcessingResult) {
	r := &run{
		src:  src,
		opts: opts,
		rec:  perf.NewRecorder(o.deps.Sampler, o.deps.Sink),
		res: &models.ProcessingResult{
			Source:  src.Name,
			Tables:  []models.Table{},
			Matches: map[string][]string{},
		},
		logger: o.logger.With(zap.String("source", src.Name)),
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("processing panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			res = o.fail(r, fmt.Errorf("internal error: %v", p))
		}
	}()

	if err := o.prepare(r); err != nil {
		return o.fail(r, err)
	}

	if r.src.Kind == models.SourceObject {
		var (
			local   models.Source
			cleanup func()
		)
		err := r.rec.Measure("fetch", func() error {
			var err error
			local, cleanup, err = o.fetchObject(ctx, r.src)
			return err
		})
		if err != nil {
			return o.fail(r, err)
		}
		defer cleanup()
		r.src = local
	}

	r.res.Strategy = o.chooseStrategy(r.src, r.opts)

	var fp models.Fingerprint
	err := r.rec.Measure("fingerprint", func() error {
		var err error
		fp, err = o.deps.Fingerprinter.GenerateFor(r.src, r.opts, o.profile(r))
		return err
	})
	if err != nil {
		return o.fail(r, fmt.Errorf("fingerprint: %w", err))
	}
	r.res.Fingerprint = fp
	if fp.IsDegraded() {
		r.res.FingerprintDegraded = true
		r.warn("content unreadable; cache identity built from file metadata")
	}

	useCache := o.deps.Cache != nil && !r.opts.NoCache
	if useCache {
		var (
			cached *models.ProcessingResult
			hit    bool
		)
		stop := r.rec.Track("cache")
		cached, hit = o.deps.Cache.Get(ctx, fp, r.opts.TenantID)
		stop()
		if hit {
			cached.Cached = true
			cached.Metrics = r.rec.Snapshot()
			r.rec.Outcome(outcomeCached)
			r.logger.Debug("cache hit", zap.String("fingerprint", fp.String()))
			return cached
		}
	}

	switch r.res.Strategy {
	case StrategyRecords:
		err = o.processRecords(ctx, r)
	case StrategyDirect:
		err = o.processDirect(ctx, r)
	default:
		err = o.processStreaming(ctx, r)
	}
	if err != nil {
		return o.fail(r, err)
	}

	if useCache && !r.res.Partial {
		r.res.Metrics = r.rec.Snapshot()
		stop := r.rec.Track("cache_write")
		o.deps.Cache.Put(ctx, fp, r.res, r.opts.TTL, r.opts.TenantID)
		stop()
	}

	outcome := outcomeOK
	if r.res.Partial {
		outcome = outcomePartial
	}
	r.res.Metrics = r.rec.Snapshot()
	r.rec.Outcome(outcome)
	r.logger.Info("processed",
		zap.String("strategy", r.res.Strategy),
		zap.Int("pages", r.res.PagesProcessed),
		zap.Int("tables", len(r.res.Tables)),
		zap.Bool("partial", r.res.Partial),
		zap.Duration("took", r.res.Metrics.TotalDuration))
	return r.res
}

// prepare validates the source and options and compiles the pattern set.
func (o *Orchestrator) prepare(r *run) error {
	if err := r.src.Validate(); err != nil {
		return err
	}
	if err := cache.ValidateTenant(r.opts.TenantID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	switch r.opts.Strategy {
	case "", StrategyDirect, StrategyStreaming:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, r.opts.Strategy)
	}
	if r.opts.MaxWorkers < 0 || r.opts.PageChunkSize < 0 {
		return fmt.Errorf("%w: negative worker or chunk count", ErrInvalidOptions)
	}

	exprs := map[string]string{}
	if name := r.opts.PatternSet; name != "" {
		set, ok := o.deps.PatternSets[name]
		if !ok {
			return fmt.Errorf("%w: unknown pattern set %q", ErrInvalidOptions, name)
		}
		exprs = set
	}
	r.exprs = scanner.Merge(exprs, r.opts.Patterns)
	patterns, err := scanner.Compile(r.exprs)
	if err != nil {
		return err
	}
	r.patterns = patterns
	return nil
}

// profile captures what besides the options shapes this run's result, so
// that editing a pattern file or the paging settings invalidates old entries.
func (o *Orchestrator) profile(r *run) fingerprint.Profile {
	return fingerprint.Profile{
		Patterns:     r.exprs,
		Strategy:     r.res.Strategy,
		LinesPerPage: o.plainText.LinesPerPage,
		ScanChunk:    o.deps.Scanner.ChunkSize(),
		ScanOverlap:  o.deps.Scanner.MaxMatchLength(),
	}
}

// chooseStrategy: records for records, streaming for PDFs and anything over
// the threshold, direct otherwise. Options.Strategy overrides the last two.
func (o *Orchestrator) chooseStrategy(src models.Source, opts models.Options) string {
	if src.Kind == models.SourceRecords {
		return StrategyRecords
	}
	if opts.Strategy != "" {
		return opts.Strategy
	}
	if extraction_engine.IsPDF(src) {
		return StrategyStreaming
	}
	if sourceSize(src) > o.cfg.StreamingThreshold {
		return StrategyStreaming
	}
	return StrategyDirect
}

func sourceSize(src models.Source) int64 {
	switch src.Kind {
	case models.SourceFile:
		info, err := os.Stat(src.Path)
		if err != nil {
			return 0
		}
		return info.Size()
	case models.SourceBytes:
		return int64(len(src.Data))
	case models.SourceText:
		return int64(len(src.Text))
	}
	return 0
}

func (o *Orchestrator) fail(r *run, err error) *models.ProcessingResult {
	r.logger.Warn("processing failed", zap.Error(err))
	r.res.Error = err.Error()
	r.res.Metrics = r.rec.Snapshot()
	r.rec.Outcome(outcomeError)
	return r.res
}

func (r *run) warn(msg string) {
	r.logger.Warn(msg)
	r.res.Warnings = append(r.res.Warnings, msg)
}

func (o *Orchestrator) workers(opts models.Options) int {
	if opts.MaxWorkers > 0 {
		return opts.MaxWorkers
	}
	return o.cfg.ExtractWorkers
}

func (o *Orchestrator) chunkSize(opts models.Options) int {
	if opts.PageChunkSize > 0 {
		return opts.PageChunkSize
	}
	return o.cfg.PageChunkSize
}

// Cache exposes the result cache for maintenance endpoints; it may be nil.
func (o *Orchestrator) Cache() *cache.ResultCache { return o.deps.Cache }
