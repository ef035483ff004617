// Package taskqueue runs submitted functions on a fixed pool of worker
// goroutines fed by a bounded FIFO channel.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

var (
	ErrDuplicateTask = errors.New("task id already active")
	ErrQueueStopped  = errors.New("task queue stopped")
	ErrTaskTimeout   = errors.New("task timed out")
)

// TaskFunc is the work a task runs. ctx carries the task timeout, if any.
// A value returned alongside an error is kept as the task result.
type TaskFunc func(ctx context.Context, args ...any) (any, error)

type Config struct {
	Workers  int
	Capacity int
	// TaskTimeout bounds each task; 0 disables it. A timed-out task is
	// recorded as failed and its call keeps running with the result dropped.
	TaskTimeout time.Duration
}

type task struct {
	id   string
	fn   TaskFunc
	args []any
}

type entry struct {
	result models.TaskResult
	done   chan struct{}
}

type Queue struct {
	cfg    Config
	logger *zap.Logger

	jobs chan *task // nil is the stop sentinel

	// sendMu orders producers against StopWorkers so no task lands behind
	// the sentinels.
	sendMu  sync.RWMutex
	stopped bool

	mu       sync.Mutex
	idle     *sync.Cond
	registry map[string]*entry
	pending  int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New starts cfg.Workers workers (default 4) reading from a queue of
// cfg.Capacity slots (default 64).
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("taskqueue"),
		jobs:     make(chan *task, cfg.Capacity),
		registry: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.idle = sync.NewCond(&q.mu)

	for w := 1; w <= cfg.Workers; w++ {
		q.wg.Add(1)
		go q.worker(w)
	}
	return q
}

// AddTask registers and enqueues fn. It blocks while the queue is full until
// space frees up or ctx ends. An empty id gets a generated UUID.
func (q *Queue) AddTask(ctx context.Context, id string, fn TaskFunc, args ...any) (string, error) {
	if fn == nil {
		return "", errors.New("nil task function")
	}
	if id == "" {
		id = uuid.NewString()
	}

	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	if q.stopped {
		return "", ErrQueueStopped
	}

	q.mu.Lock()
	if e, ok := q.registry[id]; ok && !e.result.Status.Finished() {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	e := &entry{
		result: models.TaskResult{ID: id, Status: models.TaskQueued, SubmittedAt: time.Now()},
		done:   make(chan struct{}),
	}
	q.registry[id] = e
	q.pending++
	q.mu.Unlock()

	select {
	case q.jobs <- &task{id: id, fn: fn, args: args}:
		return id, nil
	case <-ctx.Done():
		q.mu.Lock()
		if q.registry[id] == e {
			delete(q.registry, id)
		}
		q.pending--
		close(e.done)
		q.idle.Broadcast()
		q.mu.Unlock()
		return "", ctx.Err()
	}
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for t := range q.jobs {
		if t == nil {
			q.logger.Debug("worker shutting down", zap.Int("worker", n))
			return
		}
		q.run(n, t)
	}
}

type outcome struct {
	value any
	err   error
}

func (q *Queue) run(worker int, t *task) {
	q.mu.Lock()
	e := q.registry[t.id]
	e.result.Status = models.TaskRunning
	e.result.StartedAt = time.Now()
	q.mu.Unlock()

	q.logger.Debug("task started", zap.String("task", t.id), zap.Int("worker", worker))

	var out outcome
	if q.cfg.TaskTimeout <= 0 {
		out = q.call(q.ctx, t)
	} else {
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.TaskTimeout)
		ch := make(chan outcome, 1)
		go func() { ch <- q.call(ctx, t) }()
		select {
		case out = <-ch:
		case <-ctx.Done():
			out = outcome{err: fmt.Errorf("%w after %s", ErrTaskTimeout, q.cfg.TaskTimeout)}
		}
		cancel()
	}

	q.mu.Lock()
	e.result.FinishedAt = time.Now()
	e.result.Result = out.value
	if out.err != nil {
		e.result.Status = models.TaskFailed
		e.result.Error = out.err.Error()
	} else {
		e.result.Status = models.TaskCompleted
	}
	q.pending--
	close(e.done)
	q.idle.Broadcast()
	q.mu.Unlock()

	if out.err != nil {
		q.logger.Warn("task failed", zap.String("task", t.id), zap.Int("worker", worker), zap.Error(out.err))
	}
}

// call runs the task, turning a panic into an error.
func (q *Queue) call(ctx context.Context, t *task) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				zap.String("task", t.id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = outcome{err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	v, err := t.fn(ctx, t.args...)
	return outcome{value: v, err: err}
}

// GetResult never blocks. Unseen ids report TaskUnknown.
func (q *Queue) GetResult(id string) models.TaskResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.registry[id]
	if !ok {
		return models.TaskResult{ID: id, Status: models.TaskUnknown}
	}
	return e.result
}

func (q *Queue) GetQueueStatus() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s models.QueueStatus
	for _, e := range q.registry {
		switch e.result.Status {
		case models.TaskQueued:
			s.Queued++
		case models.TaskRunning:
			s.Running++
		case models.TaskCompleted:
			s.Completed++
		case models.TaskFailed:
			s.Failed++
		}
	}
	s.Total = len(q.registry)
	return s
}

// WaitForAll blocks until no task is queued or running.
func (q *Queue) WaitForAll() {
	q.mu.Lock()
	for q.pending > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

// Wait blocks until every listed task has finished or ctx ends, and returns
// the latest known result of each id.
func (q *Queue) Wait(ctx context.Context, ids []string) (map[string]models.TaskResult, error) {
	var waitErr error
	for _, id := range ids {
		q.mu.Lock()
		e, ok := q.registry[id]
		q.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		if waitErr != nil {
			break
		}
	}

	out := make(map[string]models.TaskResult, len(ids))
	for _, id := range ids {
		out[id] = q.GetResult(id)
	}
	return out, waitErr
}

// StopWorkers lets queued tasks drain, then sends one sentinel per worker and
// joins them. Later AddTask calls fail with ErrQueueStopped.
func (q *Queue) StopWorkers() {
	q.stopOnce.Do(func() {
		q.sendMu.Lock()
		q.stopped = true
		q.sendMu.Unlock()

		for i := 0; i < q.cfg.Workers; i++ {
			q.jobs <- nil
		}
		q.wg.Wait()
		q.cancel()
		q.logger.Info("workers stopped", zap.Int("workers", q.cfg.Workers))
	})
}

// Clear drops finished tasks from the registry and returns how many.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, e := range q.registry {
		if e.result.Status.Finished() {
			delete(q.registry, id)
			n++
		}
	}
	return n
}

// Execute runs jobs as queue tasks and returns results in submission order.
// It must not be called from a task running on the same queue: with every
// worker blocked waiting, the submitted jobs would never start.
func (q *Queue) Execute(ctx context.Context, jobs []core.Job) []core.JobResult {
	results := make([]core.JobResult, len(jobs))
	ids := make([]string, len(jobs))
	for i, job := range jobs {
		id, err := q.AddTask(ctx, "", func(ctx context.Context, _ ...any) (any, error) {
			return job(ctx)
		})
		if err != nil {
			results[i].Err = err
			continue
		}
		ids[i] = id
	}

	for i, id := range ids {
		if id == "" {
			continue
		}
		q.mu.Lock()
		e := q.registry[id]
		q.mu.Unlock()
		if e == nil {
			results[i].Err = fmt.Errorf("task %s vanished from registry", id)
			continue
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		}
		q.mu.Lock()
		r := e.result
		delete(q.registry, id)
		q.mu.Unlock()
		if r.Status == models.TaskFailed {
			results[i].Err = errors.New(r.Error)
		} else {
			results[i].Value = r.Result
		}
	}
	return results
}

var _ core.Executor = (*Queue)(nil)
