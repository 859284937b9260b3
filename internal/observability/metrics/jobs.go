// Package metrics provides the Prometheus collectors of PlateVision. Each
// collector implements the recorder interface of the component it measures.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/inference"
)

const namespace = "platevision"

// Result label values.
const (
	ResultSuccess = "success"
)

// result maps err to a label value: "success" or the error category.
func result(err error) string {
	if err == nil {
		return ResultSuccess
	}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) && ee.Category != "" {
		return string(ee.Category)
	}
	return string(errors.CategoryGeneric)
}

// JobMetrics measures the submission client and the poller.
type JobMetrics struct {
	submissions *prometheus.CounterVec
	polls       *prometheus.CounterVec
}

// NewJobMetrics creates and registers the client metrics.
func NewJobMetrics(registry *prometheus.Registry) (*JobMetrics, error) {
	m := &JobMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submissions_total",
			Help:      "Prediction jobs submitted, by submission kind and result",
		}, []string{"kind", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_polls_total",
			Help:      "Status queries, by observed status and result",
		}, []string{"status", "result"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register job metrics: %w", err)
	}
	return m, nil
}

// RecordSubmission implements inference.Recorder.
func (m *JobMetrics) RecordSubmission(kind string, err error) {
	m.submissions.WithLabelValues(kind, result(err)).Inc()
}

// RecordPoll implements inference.Recorder.
func (m *JobMetrics) RecordPoll(status inference.JobStatus, err error) {
	label := string(status)
	if label == "" {
		label = "unknown"
	}
	m.polls.WithLabelValues(label, result(err)).Inc()
}

// Collect implements the prometheus.Collector interface.
func (m *JobMetrics) Collect(ch chan<- prometheus.Metric) {
	m.submissions.Collect(ch)
	m.polls.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *JobMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.submissions.Describe(ch)
	m.polls.Describe(ch)
}
