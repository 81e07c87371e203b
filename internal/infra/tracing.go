package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// metricInterval is how often stdout metrics are flushed.
const metricInterval = 60 * time.Second

// InitTracer installs a global tracer provider. With stdout disabled the
// otel no-op provider stays in place and the returned shutdown is a no-op.
func InitTracer(cfg *Config) (func(context.Context) error, error) {
	if cfg == nil || !cfg.OTelStdout {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// InitMeter installs a global meter provider exporting to stdout, under the
// same switch as InitTracer.
func InitMeter(cfg *Config) (func(context.Context) error, error) {
	if cfg == nil || !cfg.OTelStdout {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricInterval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// InitTelemetry installs both providers and returns a combined shutdown.
func InitTelemetry(cfg *Config) (func(context.Context) error, error) {
	shutdownTracer, err := InitTracer(cfg)
	if err != nil {
		return nil, err
	}
	shutdownMeter, err := InitMeter(cfg)
	if err != nil {
		_ = shutdownTracer(context.Background())
		return nil, err
	}
	return func(ctx context.Context) error {
		return errors.Join(shutdownTracer(ctx), shutdownMeter(ctx))
	}, nil
}
