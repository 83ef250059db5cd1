package otelhelper

import (
	"github.com/dukex/entropy/pkg/errdefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks span as failed and tags it with the entropy error kind, so
// node failures can be told apart from store errors in a trace view.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	kind := attribute.String(ErrorKindKey, errdefs.KindOf(err))

	span.RecordError(err, trace.WithAttributes(append(attrs, kind)...))
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(kind)
}
