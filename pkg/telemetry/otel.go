package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// FromReadOnlySpan converts a span from the OpenTelemetry SDK.
// Spans without an end time are Active.
func FromReadOnlySpan(sd sdktrace.ReadOnlySpan) *SpanRecord {
	return fromSDK(sd.SpanContext().TraceID(), sd.SpanContext().SpanID(), sd.Parent().SpanID(),
		sd.Name(), sd, sd.Attributes())
}

func FromSpanStub(ss tracetest.SpanStub) *SpanRecord {
	return FromReadOnlySpan(ss.Snapshot())
}

func FromSpanStubs(stubs tracetest.SpanStubs) []*SpanRecord {
	out := make([]*SpanRecord, 0, len(stubs))
	for _, ss := range stubs {
		out = append(out, FromSpanStub(ss))
	}
	return out
}

func fromSDK(traceID TraceID, spanID SpanID, parent SpanID, name string, sd sdktrace.ReadOnlySpan, attrs []attribute.KeyValue) *SpanRecord {
	s := StartSpan(traceID, spanID, parent, name, sd.StartTime(), attrs...)
	if !sd.EndTime().IsZero() {
		_ = s.Complete(sd.EndTime(), sd.Status().Code)
	}
	return s
}

// Collector is an SDK span processor that records spans as they start
// and completes them as they end, so a test can inspect both in-flight
// and finished work.
type Collector struct {
	mu    sync.Mutex
	order []SpanID
	spans map[SpanID]*SpanRecord
}

var _ sdktrace.SpanProcessor = (*Collector)(nil)

func NewCollector() *Collector {
	return &Collector{spans: make(map[SpanID]*SpanRecord)}
}

func (c *Collector) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	sc := s.SpanContext()
	rec := StartSpan(sc.TraceID(), sc.SpanID(), s.Parent().SpanID(), s.Name(), s.StartTime(), s.Attributes()...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, sc.SpanID())
	c.spans[sc.SpanID()] = rec
}

func (c *Collector) OnEnd(s sdktrace.ReadOnlySpan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := s.SpanContext().SpanID()
	rec, ok := c.spans[id]
	if !ok {
		c.order = append(c.order, id)
		c.spans[id] = FromReadOnlySpan(s)
		return
	}
	// Attributes may have been added after start.
	rec.Attributes = attributeMap(s.Attributes())
	_ = rec.Complete(s.EndTime(), s.Status().Code)
}

func (c *Collector) Shutdown(ctx context.Context) error   { return nil }
func (c *Collector) ForceFlush(ctx context.Context) error { return nil }

// Spans returns copies of every span seen, in start order.
func (c *Collector) Spans() []*SpanRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SpanRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.spans[id].Copy())
	}
	return out
}

func (c *Collector) Completed() []*SpanRecord {
	var out []*SpanRecord
	for _, s := range c.Spans() {
		if s.State == SpanCompleted {
			out = append(out, s)
		}
	}
	return out
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.spans = make(map[SpanID]*SpanRecord)
}
