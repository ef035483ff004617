package extraction_engine

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/docpipe/internal/core"
)

var _ core.Executor = (*PoolExecutor)(nil)

// PoolExecutor runs jobs on goroutines bounded by an errgroup limit. The Go
// scheduler spreads them over GOMAXPROCS threads, so CPU-bound extraction
// runs in parallel. The first failing job cancels the context of the rest.
type PoolExecutor struct {
	limit int
}

// NewPoolExecutor returns an executor running at most limit jobs at once;
// limit <= 0 means GOMAXPROCS.
func NewPoolExecutor(limit int) *PoolExecutor {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	return &PoolExecutor{limit: limit}
}

func (p *PoolExecutor) Execute(ctx context.Context, jobs []core.Job) []core.JobResult {
	results := make([]core.JobResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for i, job := range jobs {
		g.Go(func() error {
			v, err := runJob(gctx, job)
			results[i] = core.JobResult{Value: v, Err: err}
			return err
		})
	}
	_ = g.Wait()
	return results
}

// runJob calls job and turns a panic into an error.
func runJob(ctx context.Context, job core.Job) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}
