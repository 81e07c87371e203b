package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "comfyui-serverless/render"

// RenderMetrics collects render, artifact and supervisor metrics.
type RenderMetrics struct {
	rendersStarted     metric.Int64Counter
	rendersSucceeded   metric.Int64Counter
	rendersFailed      metric.Int64Counter
	renderDuration     metric.Float64Histogram
	rendersActive      metric.Int64UpDownCounter
	artifactsProcessed metric.Int64Counter
	supervisorRestarts metric.Int64Counter
}

// NewRenderMetrics registers instruments on meter, or on the global meter
// provider when meter is nil.
func NewRenderMetrics(meter metric.Meter) (*RenderMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	rendersStarted, err := meter.Int64Counter(
		"renders.started",
		metric.WithDescription("Total number of renders accepted"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	rendersSucceeded, err := meter.Int64Counter(
		"renders.succeeded",
		metric.WithDescription("Total number of renders that produced images"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	rendersFailed, err := meter.Int64Counter(
		"renders.failed",
		metric.WithDescription("Total number of renders that failed"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	renderDuration, err := meter.Float64Histogram(
		"render.duration",
		metric.WithDescription("Duration of a render from validation to delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	rendersActive, err := meter.Int64UpDownCounter(
		"renders.active",
		metric.WithDescription("Number of renders in flight"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	artifactsProcessed, err := meter.Int64Counter(
		"artifacts.processed",
		metric.WithDescription("Artifacts delivered, split by whether conversion succeeded"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return nil, err
	}

	supervisorRestarts, err := meter.Int64Counter(
		"supervisor.restarts",
		metric.WithDescription("Backend process restarts"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, err
	}

	return &RenderMetrics{
		rendersStarted:     rendersStarted,
		rendersSucceeded:   rendersSucceeded,
		rendersFailed:      rendersFailed,
		renderDuration:     renderDuration,
		rendersActive:      rendersActive,
		artifactsProcessed: artifactsProcessed,
		supervisorRestarts: supervisorRestarts,
	}, nil
}

// RecordRenderStarted records an accepted render.
func (m *RenderMetrics) RecordRenderStarted(ctx context.Context, format string) {
	m.rendersStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("output.format", format)))
	m.rendersActive.Add(ctx, 1)
}

// RecordRenderSucceeded records a successful render and its duration.
func (m *RenderMetrics) RecordRenderSucceeded(ctx context.Context, format string, images int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("output.format", format),
		attribute.String("status", "succeeded"),
	)
	m.rendersSucceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("output.format", format),
		attribute.Int("images", images),
	))
	m.renderDuration.Record(ctx, duration.Seconds(), attrs)
	m.rendersActive.Add(ctx, -1)
}

// RecordRenderFailed records a failed render with its error kind.
func (m *RenderMetrics) RecordRenderFailed(ctx context.Context, format, errorKind string, duration time.Duration) {
	m.rendersFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("output.format", format),
		attribute.String("error.kind", errorKind),
	))
	m.renderDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("output.format", format),
		attribute.String("status", "failed"),
	))
	m.rendersActive.Add(ctx, -1)
}

// RecordArtifact records one delivered artifact.
func (m *RenderMetrics) RecordArtifact(ctx context.Context, format string, converted bool) {
	m.artifactsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("output.format", format),
		attribute.Bool("converted", converted),
	))
}

// RecordSupervisorRestart records a backend restart.
func (m *RenderMetrics) RecordSupervisorRestart(ctx context.Context) {
	m.supervisorRestarts.Add(ctx, 1)
}
