package extraction_engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/core/governor"
	"github.com/markdave123-py/docpipe/internal/core/perf"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

// Document is what the coordinator needs from a page source: a page count
// and independent readers for each job.
type Document interface {
	PageCount(ctx context.Context) (int, error)
	NewReader(ctx context.Context) (core.PageReader, error)
}

// Coordinator splits a document into page ranges, extracts each range on
// an executor and merges the results in page order.
type Coordinator struct {
	primary   core.Extractor
	secondary core.Extractor
	executor  core.Executor
	governor  *governor.Governor
	recorder  *perf.Recorder
	logger    *zap.Logger
}

type CoordinatorOption func(*Coordinator)

func WithGovernor(g *governor.Governor) CoordinatorOption {
	return func(c *Coordinator) { c.governor = g }
}

func WithRecorder(r *perf.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

func NewCoordinator(primary, secondary core.Extractor, executor core.Executor, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if executor == nil {
		executor = NewPoolExecutor(0)
	}
	c := &Coordinator{
		primary:   primary,
		secondary: secondary,
		executor:  executor,
		logger:    logging.OrNop(logger).Named("coordinator"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Extraction is the merged output of one Extract call.
type Extraction struct {
	Tables     []models.Table
	PageCount  int
	// Pages is how many leading pages the tables cover; less than
	// PageCount only for a partial result.
	Pages      int
	Partial    bool
	Sequential bool
	Warnings   []string
}

// Extract runs one job per range on the executor. If any job fails the
// parallel output is dropped and the whole document is extracted again
// sequentially; both paths produce the same tables. The governor is
// consulted before every page after the first of a range and between range
// merges; a breach returns the merged page prefix as a partial result.
func (c *Coordinator) Extract(ctx context.Context, doc Document, maxWorkers int) (*Extraction, error) {
	n, err := doc.PageCount(ctx)
	if err != nil {
		return nil, err
	}
	out := &Extraction{PageCount: n, Tables: []models.Table{}}
	if n == 0 {
		return out, nil
	}

	ranges := Partition(n, maxWorkers)
	jobs := make([]core.Job, len(ranges))
	for i, r := range ranges {
		jobs[i] = func(ctx context.Context) (any, error) {
			return c.extractRange(ctx, doc, r)
		}
	}

	var results []core.JobResult
	c.track("extract_parallel", func() {
		results = c.executor.Execute(ctx, jobs)
	})

	if failed := firstError(results); failed != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("parallel extraction failed, running sequentially",
			zap.Int("ranges", len(ranges)), zap.Error(failed))
		out.Warnings = append(out.Warnings, fmt.Sprintf("parallel extraction failed (%v); used sequential fallback", failed))
		out.Sequential = true
		return c.sequential(ctx, doc, out)
	}

	for i, res := range results {
		if i > 0 && !c.governor.WithinBudget() {
			out.Partial = true
			out.Warnings = append(out.Warnings, fmt.Sprintf("memory ceiling reached after %d of %d page ranges", i, len(results)))
			break
		}
		part, _ := res.Value.(rangeOutput)
		c.track("merge", func() {
			out.Tables = append(out.Tables, part.tables...)
		})
		out.Pages += part.done
		// later ranges cannot follow a gap
		if part.done < ranges[i].Len() {
			out.markStopped()
			break
		}
	}
	return out, nil
}

func (out *Extraction) markStopped() {
	out.Partial = true
	out.Warnings = append(out.Warnings, fmt.Sprintf("memory ceiling reached after %d of %d pages", out.Pages, out.PageCount))
}

// ExtractSequential extracts every page on the calling goroutine.
func (c *Coordinator) ExtractSequential(ctx context.Context, doc Document) (*Extraction, error) {
	n, err := doc.PageCount(ctx)
	if err != nil {
		return nil, err
	}
	out := &Extraction{PageCount: n, Tables: []models.Table{}, Sequential: true}
	if n == 0 {
		return out, nil
	}
	return c.sequential(ctx, doc, out)
}

func (c *Coordinator) sequential(ctx context.Context, doc Document, out *Extraction) (*Extraction, error) {
	var (
		part rangeOutput
		err  error
	)
	c.track("extract_sequential", func() {
		part, err = runRange(ctx, func(ctx context.Context) (rangeOutput, error) {
			return c.extractRange(ctx, doc, core.PageRange{Start: 0, End: out.PageCount})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sequential extraction: %w", err)
	}
	out.Tables = append(out.Tables[:0], part.tables...)
	out.Pages = part.done
	if part.done < out.PageCount {
		out.markStopped()
	}
	return out, nil
}

// rangeOutput is one range's tables and how many of its leading pages they
// cover; fewer than the range length when the governor stopped it.
type rangeOutput struct {
	tables []models.Table
	done   int
}

// extractRange opens its own reader and extracts page by page: the primary
// extractor first, the secondary when the primary fails or finds nothing on
// that page. Working per page keeps the output independent of how pages
// were partitioned. The first page always runs so every range progresses.
func (c *Coordinator) extractRange(ctx context.Context, doc Document, r core.PageRange) (rangeOutput, error) {
	out := rangeOutput{tables: []models.Table{}}
	reader, err := doc.NewReader(ctx)
	if err != nil {
		return out, fmt.Errorf("open reader: %w", err)
	}
	defer reader.Close()

	for i := r.Start; i < r.End; i++ {
		if i > r.Start && !c.governor.WithinBudget() {
			c.logger.Warn("memory ceiling reached inside range",
				zap.Int("page", i+1), zap.Int("range_end", r.End))
			return out, nil
		}
		page := core.PageRange{Start: i, End: i + 1}

		found, perr := c.primary.Extract(ctx, reader, page)
		if perr == nil && len(found) > 0 {
			out.tables = append(out.tables, found...)
			out.done++
			continue
		}
		if c.secondary == nil {
			if perr != nil {
				return out, fmt.Errorf("%s page %d: %w", c.primary.Name(), i+1, perr)
			}
			out.done++
			continue
		}

		found, serr := c.secondary.Extract(ctx, reader, page)
		if serr != nil {
			return out, fmt.Errorf("page %d: %w", i+1, errors.Join(perr, serr))
		}
		out.tables = append(out.tables, found...)
		out.done++
	}
	return out, nil
}

func (c *Coordinator) track(stage string, fn func()) {
	if c.recorder == nil {
		fn()
		return
	}
	defer c.recorder.Track(stage)()
	fn()
}

// Partition splits [0, n) into at most workers contiguous, non-overlapping
// ranges of near-equal size. It never returns more ranges than pages.
func Partition(n, workers int) []core.PageRange {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	size, rem := n/workers, n%workers
	ranges := make([]core.PageRange, 0, workers)
	start := 0
	for i := 0; i < workers; i++ {
		end := start + size
		if i < rem {
			end++
		}
		ranges = append(ranges, core.PageRange{Start: start, End: end})
		start = end
	}
	return ranges
}

func firstError(results []core.JobResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func runRange(ctx context.Context, fn func(context.Context) (rangeOutput, error)) (out rangeOutput, err error) {
	defer recoverInto(&err, "extract range")
	return fn(ctx)
}
