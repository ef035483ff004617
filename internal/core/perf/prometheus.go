package perf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exports recorder observations.
type PrometheusSink struct {
	stageDuration *prometheus.HistogramVec
	peakMemory    prometheus.Gauge
	results       *prometheus.CounterVec
}

// NewPrometheusSink registers its collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docpipe",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage entry",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		peakMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "docpipe",
			Name:      "peak_resident_memory_bytes",
			Help:      "Peak resident memory seen by the most recent run",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docpipe",
			Name:      "results_total",
			Help:      "Processing results by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(s.stageDuration, s.peakMemory, s.results)
	return s
}

func (s *PrometheusSink) ObserveStage(stage string, d time.Duration) {
	s.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (s *PrometheusSink) ObservePeakMemory(bytes uint64) {
	s.peakMemory.Set(float64(bytes))
}

func (s *PrometheusSink) ObserveResult(outcome string) {
	s.results.WithLabelValues(outcome).Inc()
}
