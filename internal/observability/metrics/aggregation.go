package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platelab/platevision/internal/datastore/entities"
)

// AggregationMetrics measures the aggregation engine.
type AggregationMetrics struct {
	recomputeDuration *prometheus.HistogramVec
	conflicts         *prometheus.CounterVec
	transitions       *prometheus.CounterVec
}

// NewAggregationMetrics creates and registers the engine metrics.
func NewAggregationMetrics(registry *prometheus.Registry) (*AggregationMetrics, error) {
	m := &AggregationMetrics{
		recomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Duration of a trigger including the sample recomputation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"trigger", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_conflicts_total",
			Help:      "Recomputations rejected by the store",
		}, []string{"trigger"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Committed run status transitions, by new status",
		}, []string{"status"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register aggregation metrics: %w", err)
	}
	return m, nil
}

// RecordRecompute implements aggregation.Recorder.
func (m *AggregationMetrics) RecordRecompute(trigger string, d time.Duration, err error) {
	m.recomputeDuration.WithLabelValues(trigger, result(err)).Observe(d.Seconds())
}

// RecordConflict implements aggregation.Recorder.
func (m *AggregationMetrics) RecordConflict(trigger string) {
	m.conflicts.WithLabelValues(trigger).Inc()
}

// RecordRunStatus implements aggregation.Recorder.
func (m *AggregationMetrics) RecordRunStatus(status entities.RunStatus) {
	m.transitions.WithLabelValues(string(status)).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *AggregationMetrics) Collect(ch chan<- prometheus.Metric) {
	m.recomputeDuration.Collect(ch)
	m.conflicts.Collect(ch)
	m.transitions.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *AggregationMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.recomputeDuration.Describe(ch)
	m.conflicts.Describe(ch)
	m.transitions.Describe(ch)
}
