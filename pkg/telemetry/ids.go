// Package telemetry models the spans and metrics a test run produces and
// checks them against typed correctness rules.
package telemetry

import (
	"go.opentelemetry.io/otel/trace"
)

// TraceID and SpanID are the fixed-width OpenTelemetry identifiers.
// The all-zero value is never valid on a completed or exported span.
type TraceID = trace.TraceID
type SpanID = trace.SpanID

func ParseTraceID(h string) (TraceID, error) {
	return trace.TraceIDFromHex(h)
}

func ParseSpanID(h string) (SpanID, error) {
	return trace.SpanIDFromHex(h)
}
