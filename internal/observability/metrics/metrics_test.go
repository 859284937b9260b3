package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/inference"
)

func findFamily(t *testing.T, registry *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestResultLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ResultSuccess, result(nil))
	assert.Equal(t, string(errors.CategoryTimeout),
		result(errors.Domain(errors.ErrTimeout, "deadline exceeded").Build()))
	assert.Equal(t, string(errors.CategoryGeneric), result(errors.NewStd("plain")))
}

func TestJobMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewJobMetrics(registry)
	require.NoError(t, err)

	m.RecordSubmission("file", nil)
	m.RecordSubmission("file", nil)
	m.RecordSubmission("staged", errors.Domain(errors.ErrInvalidRequest, "bad").Build())
	m.RecordPoll(inference.StatusProcessing, nil)
	m.RecordPoll("", errors.Domain(errors.ErrTransient, "refused").Build())

	assert.InDelta(t, 2, testutil.ToFloat64(m.submissions.WithLabelValues("file", ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.submissions.WithLabelValues("staged", string(errors.CategoryValidation))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.polls.WithLabelValues("unknown", string(errors.CategoryNetwork))), 0)

	family := findFamily(t, registry, "platevision_job_polls_total")
	assert.Len(t, family.GetMetric(), 2)

	_, err = NewJobMetrics(registry)
	assert.Error(t, err, "registering twice must fail")
}

func TestAggregationMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewAggregationMetrics(registry)
	require.NoError(t, err)

	m.RecordRecompute("complete", 20*time.Millisecond, nil)
	m.RecordRecompute("correct", 5*time.Millisecond, errors.Domain(errors.ErrAggregationConflict, "locked").Build())
	m.RecordConflict("correct")
	m.RecordRunStatus(entities.RunStatusCompleted)
	m.RecordRunStatus(entities.RunStatusCompleted)

	assert.InDelta(t, 1, testutil.ToFloat64(m.conflicts.WithLabelValues("correct")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.transitions.WithLabelValues(string(entities.RunStatusCompleted))), 0)

	family := findFamily(t, registry, "platevision_recompute_duration_seconds")
	require.Equal(t, dto.MetricType_HISTOGRAM, family.GetType())
	assert.Len(t, family.GetMetric(), 2)
	for _, metric := range family.GetMetric() {
		assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
	}
}

func TestQueueMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewQueueMetrics(registry)
	require.NoError(t, err)

	m.SetQueueDepth(4)
	m.SetQueueDepth(3)
	m.RecordJobOutcome("succeeded")
	m.RecordJobOutcome("retried")
	m.RecordJobOutcome("succeeded")

	assert.InDelta(t, 3, testutil.ToFloat64(m.depth), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.jobs.WithLabelValues("succeeded")), 0)
	assert.Equal(t, 3, testutil.CollectAndCount(m))
}

func TestMQTTMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewMQTTMetrics(registry)
	require.NoError(t, err)

	m.SetMQTTConnected(true)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionStatus), 0)
	assert.Positive(t, testutil.ToFloat64(m.LastConnectTime))

	m.SetMQTTConnected(false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnectionStatus), 0)
}

func TestHTTPMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewHTTPMetrics(registry)
	require.NoError(t, err)

	m.RecordRequest("GET", "/api/v1/status/:id", 200, 3*time.Millisecond)
	m.RecordRequest("GET", "/api/v1/status/:id", 404, time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "/api/v1/status/:id", "404")), 0)
	family := findFamily(t, registry, "platevision_http_request_duration_seconds")
	require.Len(t, family.GetMetric(), 1)
	assert.Equal(t, uint64(2), family.GetMetric()[0].GetHistogram().GetSampleCount())
}
