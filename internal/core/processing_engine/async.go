package processing_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markdave123-py/docpipe/internal/models"
)

// ErrNoQueue is returned by the async entry points when no queue is wired.
var ErrNoQueue = errors.New("task queue not configured")

// Completion is called on the worker goroutine once a task's result is
// ready, before the task is marked finished.
type Completion func(src models.Source, res *models.ProcessingResult)

// ProcessAsync validates src and submits Process to the task queue. It blocks
// while the queue is full. A task whose envelope carries an error is recorded
// as failed; the envelope is kept as the task result either way.
func (o *Orchestrator) ProcessAsync(ctx context.Context, src models.Source, opts models.Options, done ...Completion) (string, error) {
	if o.deps.Queue == nil {
		return "", ErrNoQueue
	}
	if err := src.Validate(); err != nil {
		return "", err
	}
	return o.deps.Queue.AddTask(ctx, "", func(ctx context.Context, _ ...any) (any, error) {
		res := o.Process(ctx, src, opts)
		for _, fn := range done {
			fn(src, res)
		}
		if res.Error != "" {
			return res, errors.New(res.Error)
		}
		return res, nil
	})
}

// ProcessBatch submits one task per source. optsList holds no options (zero
// values for all), one shared set, or one per source. On a submission failure
// the ids queued so far are returned with the error.
func (o *Orchestrator) ProcessBatch(ctx context.Context, sources []models.Source, optsList []models.Options, done ...Completion) ([]string, error) {
	if len(optsList) > 1 && len(optsList) != len(sources) {
		return nil, fmt.Errorf("%w: %d option sets for %d sources", ErrInvalidOptions, len(optsList), len(sources))
	}
	ids := make([]string, 0, len(sources))
	for i, src := range sources {
		var opts models.Options
		switch len(optsList) {
		case 0:
		case 1:
			opts = optsList[0]
		default:
			opts = optsList[i]
		}
		id, err := o.ProcessAsync(ctx, src, opts, done...)
		if err != nil {
			return ids, fmt.Errorf("submit %s: %w", src.Name, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitForBatch waits until every id finishes or timeout elapses (0 waits
// for ctx only). Unfinished tasks keep running and report their current
// status.
func (o *Orchestrator) WaitForBatch(ctx context.Context, ids []string, timeout time.Duration) map[string]models.TaskResult {
	if o.deps.Queue == nil {
		out := make(map[string]models.TaskResult, len(ids))
		for _, id := range ids {
			out[id] = models.TaskResult{ID: id, Status: models.TaskUnknown}
		}
		return out
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, _ := o.deps.Queue.Wait(ctx, ids)
	return res
}

func (o *Orchestrator) TaskResult(id string) models.TaskResult {
	if o.deps.Queue == nil {
		return models.TaskResult{ID: id, Status: models.TaskUnknown}
	}
	return o.deps.Queue.GetResult(id)
}

func (o *Orchestrator) QueueStatus() models.QueueStatus {
	if o.deps.Queue == nil {
		return models.QueueStatus{}
	}
	return o.deps.Queue.GetQueueStatus()
}
