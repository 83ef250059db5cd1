// Package otelhelper provides tracing for experiment and node execution.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// Common attribute keys.
	ExperimentIDKey    = "entropy.experiment.id"
	ExperimentLabelKey = "entropy.experiment.label"
	NodeLabelKey       = "entropy.node.label"
	StageIDKey         = "entropy.node.stage_id"
	AttemptKey         = "entropy.node.attempt"
	ExecutorModeKey    = "entropy.executor.mode"
	ErrorKindKey       = "entropy.error.kind"
)

// Options configures the OTLP exporter.
type Options struct {
	ServiceName string
	// Endpoint is a full URL such as http://collector:4318/v1/traces. When
	// empty the OTEL_EXPORTER_OTLP_* variables apply.
	Endpoint string
	// SampleRatio is the fraction of experiment runs traced. Values outside
	// (0, 1) trace everything.
	SampleRatio float64
}

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, opts Options) (trace.Tracer, func(context.Context) error, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "entropy"
	}

	provider, err := newTracerProvider(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(opts.ServiceName), provider.Shutdown, nil
}

// NoopTracer returns a tracer that records nothing.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("entropy")
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Sampler keeps every span of a sampled experiment run: nodes follow the
// decision made for their experiment span.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}

	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newTracerProvider(ctx context.Context, opts Options) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporterOpts []otlptracehttp.Option
	if opts.Endpoint != "" {
		exporterOpts = append(exporterOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
	}

	exporter, err := otlptracehttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
