package telemetry

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type SpanState int

const (
	SpanActive SpanState = iota
	SpanCompleted
)

func (s SpanState) String() string {
	switch s {
	case SpanActive:
		return "Active"
	case SpanCompleted:
		return "Completed"
	}
	return fmt.Sprintf("SpanState(%d)", int(s))
}

// Status reuses the OpenTelemetry status codes: Unset, Error, Ok.
type Status = codes.Code

// SpanRecord is one timed operation.
//
// Fields are exported so that tests can build deliberately malformed
// records; well-formed records come from StartSpan, CompletedSpan, or one
// of the converters.
type SpanRecord struct {
	TraceID TraceID
	SpanID  SpanID
	// The zero value marks a root span.
	ParentSpanID SpanID

	Name   string
	Start  time.Time
	End    time.Time
	Status Status
	State  SpanState

	Attributes map[string]attribute.Value
}

func StartSpan(traceID TraceID, spanID SpanID, parent SpanID, name string, start time.Time, attrs ...attribute.KeyValue) *SpanRecord {
	return &SpanRecord{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parent,
		Name:         name,
		Start:        start,
		Status:       codes.Unset,
		State:        SpanActive,
		Attributes:   attributeMap(attrs),
	}
}

// CompletedSpan builds a span that has already finished.
func CompletedSpan(traceID TraceID, spanID SpanID, parent SpanID, name string, start, end time.Time, status Status, attrs ...attribute.KeyValue) *SpanRecord {
	s := StartSpan(traceID, spanID, parent, name, start, attrs...)
	s.End = end
	s.Status = status
	s.State = SpanCompleted
	return s
}

// Complete marks the span finished. A span completes exactly once.
//
// The end time is recorded as given, even if it precedes the start; the
// validator reports that as InvalidTemporalOrder.
func (s *SpanRecord) Complete(end time.Time, status Status) error {
	if s.State == SpanCompleted {
		return fmt.Errorf("span %q already completed at %s", s.Name, s.End.Format(time.RFC3339Nano))
	}
	s.End = end
	s.Status = status
	s.State = SpanCompleted
	return nil
}

func (s *SpanRecord) IsRoot() bool {
	return !s.ParentSpanID.IsValid()
}

// Duration is zero until the span completes.
func (s *SpanRecord) Duration() time.Duration {
	if s.State != SpanCompleted {
		return 0
	}
	return s.End.Sub(s.Start)
}

func (s *SpanRecord) SetAttributes(attrs ...attribute.KeyValue) {
	if s.Attributes == nil {
		s.Attributes = make(map[string]attribute.Value, len(attrs))
	}
	for _, kv := range attrs {
		s.Attributes[string(kv.Key)] = kv.Value
	}
}

// Copy returns a deep copy that can be inspected without racing the producer.
func (s *SpanRecord) Copy() *SpanRecord {
	c := *s
	c.Attributes = make(map[string]attribute.Value, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

func (s *SpanRecord) identity() string {
	return fmt.Sprintf("span %q (trace=%s span=%s)", s.Name, s.TraceID, s.SpanID)
}

func attributeMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}
