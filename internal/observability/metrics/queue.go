package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics measures the dispatch queue.
type QueueMetrics struct {
	depth prometheus.Gauge
	jobs  *prometheus.CounterVec
}

// NewQueueMetrics creates and registers the queue metrics.
func NewQueueMetrics(registry *prometheus.Registry) (*QueueMetrics, error) {
	m := &QueueMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Inference jobs waiting for a worker or a retry",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Inference job attempts, by outcome",
		}, []string{"outcome"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register queue metrics: %w", err)
	}
	return m, nil
}

// SetQueueDepth implements dispatch.Recorder.
func (m *QueueMetrics) SetQueueDepth(depth int) {
	m.depth.Set(float64(depth))
}

// RecordJobOutcome implements dispatch.Recorder.
func (m *QueueMetrics) RecordJobOutcome(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *QueueMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- m.depth
	m.jobs.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *QueueMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.depth.Desc()
	m.jobs.Describe(ch)
}
