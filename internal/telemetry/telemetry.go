// Package telemetry configures OpenTelemetry tracing for the dispatch and
// provider-client call paths, trimmed to tracing only (Plexus's metrics
// are served by Prometheus, see internal/perf and internal/cooldown).
package telemetry

import (
	"context"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcowger/plexus/internal/logger"
)

// Options configures telemetry initialization.
type Options struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

// Bundle holds the tracer provider so it can be shut down gracefully.
type Bundle struct {
	tracerProvider *sdktrace.TracerProvider
}

// Tracer is the process-wide tracer used by the dispatcher and provider
// client. It is always non-nil: when telemetry is disabled it is the
// global no-op tracer.
var Tracer trace.Tracer = otel.Tracer("plexus")

// Init configures the global tracer provider when enabled, returning a
// Bundle for graceful shutdown. When disabled, it returns nil without
// error and Tracer remains the no-op default.
func Init(ctx context.Context, opt Options) (*Bundle, error) {
	if !opt.Enabled {
		return nil, nil
	}
	if opt.Endpoint == "" {
		return nil, errors.Errorf("telemetry endpoint is required when enabled")
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(),
		sdkresource.WithFromEnv(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build otel resource")
	}

	exporter, err := newTraceExporter(ctx, opt)
	if err != nil {
		return nil, errors.Wrap(err, "create otlp trace exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	Tracer = tp.Tracer("plexus")

	logger.Logger.Info("opentelemetry tracing initialized",
		zap.String("endpoint", opt.Endpoint),
		zap.Bool("insecure", opt.Insecure),
		zap.String("service", opt.ServiceName),
	)

	return &Bundle{tracerProvider: tp}, nil
}

// Shutdown drains the tracer provider, flushing pending spans.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil || b.tracerProvider == nil {
		return nil
	}
	return errors.Wrap(b.tracerProvider.Shutdown(ctx), "shutdown tracer provider")
}
