// Package governor compares live process memory against a ceiling so long
// loops can stop early with a partial result.
package governor

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/logging"
)

const DefaultMaxFraction = 0.75

// Governor is cooperative: it never stops work itself, callers poll
// WithinBudget between units of work.
type Governor struct {
	maxFraction float64
	sampler     core.MemorySampler
	logger      *zap.Logger

	mu       sync.Mutex
	last     uint64
	ceiling  uint64
	breached bool
}

func New(maxFraction float64, sampler core.MemorySampler, logger *zap.Logger) *Governor {
	if maxFraction <= 0 || maxFraction > 1 {
		maxFraction = DefaultMaxFraction
	}
	return &Governor{
		maxFraction: maxFraction,
		sampler:     sampler,
		logger:      logging.OrNop(logger).Named("governor"),
	}
}

// WithinBudget samples resident memory and reports whether it is below
// total * maxFraction. A failed sample counts as within budget.
func (g *Governor) WithinBudget() bool {
	if g == nil || g.sampler == nil {
		return true
	}

	rss, err := g.sampler.ResidentBytes()
	if err != nil {
		g.logger.Debug("resident memory sample failed", zap.Error(err))
		return true
	}
	total, err := g.sampler.TotalBytes()
	if err != nil {
		g.logger.Debug("total memory sample failed", zap.Error(err))
		return true
	}

	ceiling := uint64(float64(total) * g.maxFraction)
	within := rss < ceiling

	g.mu.Lock()
	g.last = rss
	g.ceiling = ceiling
	g.breached = !within
	g.mu.Unlock()

	if !within {
		g.logger.Warn("memory ceiling reached",
			zap.Uint64("resident_bytes", rss),
			zap.Uint64("ceiling_bytes", ceiling))
	}
	return within
}

// LastSample returns the resident bytes seen by the latest WithinBudget call.
func (g *Governor) LastSample() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Ceiling returns the byte limit computed by the latest WithinBudget call.
func (g *Governor) Ceiling() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ceiling
}

func (g *Governor) MaxFraction() float64 { return g.maxFraction }

// SystemSampler reads this process's RSS and the host's total memory.
type SystemSampler struct {
	proc *process.Process
}

func NewSystemSampler() (*SystemSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SystemSampler{proc: p}, nil
}

func (s *SystemSampler) ResidentBytes() (uint64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func (s *SystemSampler) TotalBytes() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// StaticSampler reports fixed values.
type StaticSampler struct {
	Resident uint64
	Total    uint64
}

func (s StaticSampler) ResidentBytes() (uint64, error) { return s.Resident, nil }
func (s StaticSampler) TotalBytes() (uint64, error)    { return s.Total, nil }
