// Package telemetry exposes pipeline outcome counters through an
// OpenTelemetry meter provider scraped by Prometheus.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/book-expert/voice-service"

// Telemetry owns the meter provider and implements core.Recorder.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	generations        metric.Int64Counter
	segmentFailures    metric.Int64Counter
	segmentedFallbacks metric.Int64Counter
	speedFallbacks     metric.Int64Counter
}

// New builds a meter provider with a Prometheus reader on a private registry.
func New(serviceName string) (*Telemetry, error) {
	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	t := &Telemetry{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	meter := provider.Meter(meterName)

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&t.generations, "voice_generations", "Finished generations by status."},
		{&t.segmentFailures, "voice_segment_failures", "Text segments skipped after a synthesis failure."},
		{&t.segmentedFallbacks, "voice_segmented_fallbacks", "Scripts re-synthesized without break directives."},
		{&t.speedFallbacks, "voice_speed_fallbacks", "Speed adjustments that returned the original audio."},
	}

	for _, counter := range counters {
		created, counterErr := meter.Int64Counter(counter.name, metric.WithDescription(counter.description))
		if counterErr != nil {
			return nil, fmt.Errorf("create counter %s: %w", counter.name, counterErr)
		}

		*counter.target = created
	}

	return t, nil
}

// Handler serves the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// GenerationFinished counts one generation with the given status.
func (t *Telemetry) GenerationFinished(status string) {
	t.generations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

// SegmentFailed counts one skipped segment.
func (t *Telemetry) SegmentFailed() {
	t.segmentFailures.Add(context.Background(), 1)
}

// SegmentedFallback counts one whole-script retry.
func (t *Telemetry) SegmentedFallback() {
	t.segmentedFallbacks.Add(context.Background(), 1)
}

// SpeedFallback counts one unadjusted speed result.
func (t *Telemetry) SpeedFallback() {
	t.speedFallbacks.Add(context.Background(), 1)
}
