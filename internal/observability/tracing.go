package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/lexiqai/voicev2"

// Tracer returns the module tracer. Spans are no-ops until the host installs
// a global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
