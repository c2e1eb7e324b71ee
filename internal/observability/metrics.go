// Package observability registers and serves the pipeline's prometheus
// metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector of the service.
type Metrics struct {
	ChunksProcessed      *prometheus.CounterVec
	TranscriptionRetries prometheus.Counter
	LLMCorrections       *prometheus.CounterVec
	ProcessingDuration   prometheus.Histogram
	ActiveJobs           prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ChunksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audioscribe_chunks_processed_total",
		Help: "Chunks that reached a terminal state, by outcome.",
	}, []string{"outcome"}) // done | failed | skipped

	m.TranscriptionRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audioscribe_transcription_retries_total",
		Help: "Transcription attempts beyond the first, across all chunks.",
	})

	m.LLMCorrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audioscribe_llm_corrections_total",
		Help: "LLM correction calls, by outcome.",
	}, []string{"outcome"}) // applied | failed

	m.ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audioscribe_chunk_processing_seconds",
		Help:    "Wall time to process one chunk end to end.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	m.ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audioscribe_active_parent_jobs",
		Help: "Parent jobs currently in a non-terminal state.",
	})

	collectors := []prometheus.Collector{
		m.ChunksProcessed,
		m.TranscriptionRetries,
		m.LLMCorrections,
		m.ProcessingDuration,
		m.ActiveJobs,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
