package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordRun records a pipeline run completion.
	RecordRun(ctx context.Context, success bool, duration time.Duration)

	// RecordPublish records a publication attempt with its duration and
	// error status.
	RecordPublish(ctx context.Context, duration time.Duration, err error)

	// RecordDuplicate records a run short-circuited by deduplication.
	RecordDuplicate(ctx context.Context, reason string)

	// RecordRateLimitWait records a wait imposed by the remote API.
	RecordRateLimitWait(ctx context.Context, kind string, wait time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	runs          metric.Int64Counter
	runLatency    metric.Float64Histogram
	publishes     metric.Int64Counter
	publishErrors metric.Int64Counter
	publishDur    metric.Float64Histogram
	duplicates    metric.Int64Counter
	rateWaits     metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("collabpress")

	runs, err := meter.Int64Counter("collabpress.pipeline.runs",
		metric.WithDescription("Number of pipeline runs"),
	)
	if err != nil {
		return nil, err
	}

	runLatency, err := meter.Float64Histogram("collabpress.pipeline.latency_ms",
		metric.WithDescription("Pipeline run latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	publishes, err := meter.Int64Counter("collabpress.publish.attempts",
		metric.WithDescription("Number of publication attempts"),
	)
	if err != nil {
		return nil, err
	}

	publishErrors, err := meter.Int64Counter("collabpress.publish.errors",
		metric.WithDescription("Number of failed publication attempts"),
	)
	if err != nil {
		return nil, err
	}

	publishDur, err := meter.Float64Histogram("collabpress.publish.latency_ms",
		metric.WithDescription("Publication latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	duplicates, err := meter.Int64Counter("collabpress.dedup.hits",
		metric.WithDescription("Number of runs short-circuited by deduplication"),
	)
	if err != nil {
		return nil, err
	}

	rateWaits, err := meter.Float64Histogram("collabpress.ratelimit.wait_ms",
		metric.WithDescription("Rate-limit wait imposed by the remote API in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		runs:          runs,
		runLatency:    runLatency,
		publishes:     publishes,
		publishErrors: publishErrors,
		publishDur:    publishDur,
		duplicates:    duplicates,
		rateWaits:     rateWaits,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordRun records a pipeline run.
func (m *otelMetrics) RecordRun(ctx context.Context, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordPublish records a publication attempt.
func (m *otelMetrics) RecordPublish(ctx context.Context, duration time.Duration, err error) {
	m.publishes.Add(ctx, 1)
	m.publishDur.Record(ctx, float64(duration.Milliseconds()))
	if err != nil {
		m.publishErrors.Add(ctx, 1)
	}
}

// RecordDuplicate records a deduplication hit.
func (m *otelMetrics) RecordDuplicate(ctx context.Context, reason string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordRateLimitWait records a rate-limit wait.
func (m *otelMetrics) RecordRateLimitWait(ctx context.Context, kind string, wait time.Duration) {
	m.rateWaits.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}
