// Package observability provides the Prometheus registry of PlateVision.
package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/platelab/platevision/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry    *prometheus.Registry
	Jobs        *metrics.JobMetrics
	Aggregation *metrics.AggregationMetrics
	Queue       *metrics.QueueMetrics
	MQTT        *metrics.MQTTMetrics
	HTTP        *metrics.HTTPMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
// It returns an error if any metric collector fails to initialize.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	jobMetrics, err := metrics.NewJobMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create job metrics: %w", err)
	}

	aggregationMetrics, err := metrics.NewAggregationMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation metrics: %w", err)
	}

	queueMetrics, err := metrics.NewQueueMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue metrics: %w", err)
	}

	mqttMetrics, err := metrics.NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	return &Metrics{
		registry:    registry,
		Jobs:        jobMetrics,
		Aggregation: aggregationMetrics,
		Queue:       queueMetrics,
		MQTT:        mqttMetrics,
		HTTP:        httpMetrics,
	}, nil
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Push sends the current registry contents to a Prometheus Pushgateway under
// the given job name. Short-lived CLI runs use it instead of a scrape endpoint.
func (m *Metrics) Push(ctx context.Context, gatewayURL, job string) error {
	if err := push.New(gatewayURL, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
