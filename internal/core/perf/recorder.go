// Package perf records per-stage timings and memory for one processing run.
package perf

import (
	"sync"
	"time"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

// Sink receives observations as they are recorded. Implementations must be
// safe for concurrent use; a Recorder is per run but a Sink is shared.
type Sink interface {
	ObserveStage(stage string, d time.Duration)
	ObservePeakMemory(bytes uint64)
	ObserveResult(outcome string)
}

// Recorder is created per Orchestrator call. Stages may be entered many
// times (once per page batch, once per range merge) and accumulate.
type Recorder struct {
	sampler core.MemorySampler
	sink    Sink
	now     func() time.Time

	mu       sync.Mutex
	started  time.Time
	stages   map[string]*models.StageMetric
	order    []string
	startMem uint64
	peakMem  uint64
}

func NewRecorder(sampler core.MemorySampler, sink Sink) *Recorder {
	r := &Recorder{
		sampler: sampler,
		sink:    sink,
		now:     time.Now,
		stages:  make(map[string]*models.StageMetric),
	}
	r.started = r.now()
	r.startMem = r.sample()
	r.peakMem = r.startMem
	return r
}

// Track enters stage and returns the function that exits it.
//
//	defer rec.Track("scan")()
func (r *Recorder) Track(stage string) func() {
	start := r.now()
	return func() {
		end := r.now()
		r.record(stage, start, end)
		r.SampleMemory()
	}
}

// Measure runs fn inside stage.
func (r *Recorder) Measure(stage string, fn func() error) error {
	defer r.Track(stage)()
	return fn()
}

// SampleMemory updates the peak with a fresh sample.
func (r *Recorder) SampleMemory() {
	cur := r.sample()
	r.mu.Lock()
	if cur > r.peakMem {
		r.peakMem = cur
	}
	r.mu.Unlock()
}

// Outcome reports the run's final outcome (ok, partial, error, cached).
func (r *Recorder) Outcome(outcome string) {
	if r.sink != nil {
		r.sink.ObserveResult(outcome)
	}
}

// Snapshot returns the metrics gathered so far. It may be called more than
// once; each call reflects the state at that moment.
func (r *Recorder) Snapshot() models.PerformanceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := models.PerformanceMetrics{
		Stages:           make([]models.StageMetric, 0, len(r.order)),
		TotalDuration:    r.now().Sub(r.started),
		StartMemoryBytes: r.startMem,
		PeakMemoryBytes:  r.peakMem,
	}
	for _, name := range r.order {
		s := *r.stages[name]
		s.Intervals = append([]models.Interval(nil), s.Intervals...)
		out.Stages = append(out.Stages, s)
	}
	if r.sink != nil {
		r.sink.ObservePeakMemory(r.peakMem)
	}
	return out
}

func (r *Recorder) record(stage string, start, end time.Time) {
	d := end.Sub(start)

	r.mu.Lock()
	s, ok := r.stages[stage]
	if !ok {
		s = &models.StageMetric{Name: stage}
		r.stages[stage] = s
		r.order = append(r.order, stage)
	}
	s.Intervals = append(s.Intervals, models.Interval{Start: start, End: end})
	s.Count++
	s.TotalDuration += d
	s.AverageDuration = s.TotalDuration / time.Duration(s.Count)
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.ObserveStage(stage, d)
	}
}

func (r *Recorder) sample() uint64 {
	if r.sampler == nil {
		return 0
	}
	v, err := r.sampler.ResidentBytes()
	if err != nil {
		return 0
	}
	return v
}
