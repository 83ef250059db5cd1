package cmd

import (
	"context"

	"github.com/dukex/entropy/pkg/config"
	"github.com/dukex/entropy/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer exports spans over OTLP when tracing is enabled and returns a
// no-op tracer otherwise.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, settings config.Tracing) (trace.Tracer, func(context.Context) error, error) {
	if !settings.Enabled {
		return otelhelper.NoopTracer(), func(context.Context) error { return nil }, nil
	}

	return otelhelper.NewTracer(ctx, otelhelper.Options{
		ServiceName: settings.ServiceName,
		Endpoint:    settings.Endpoint,
		SampleRatio: settings.SampleRatio,
	})
}
