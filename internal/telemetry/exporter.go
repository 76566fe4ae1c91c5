package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

func newTraceExporter(ctx context.Context, opt Options) (*otlptrace.Exporter, error) {
	clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opt.Endpoint)}
	if opt.Insecure {
		clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, clientOpts...)
}
