package telemetry

import (
	"io"

	"github.com/pkg/errors"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
)

// unknownStatus stands in for OTLP status codes outside the defined set,
// so that the validator reports them instead of the converter hiding them.
const unknownStatus = codes.Code(1 << 16)

// FromTraces flattens an OTLP trace payload into span records.
func FromTraces(td ptrace.Traces) []*SpanRecord {
	var out []*SpanRecord
	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		sss := rss.At(i).ScopeSpans()
		for j := 0; j < sss.Len(); j++ {
			spans := sss.At(j).Spans()
			for k := 0; k < spans.Len(); k++ {
				out = append(out, fromPdataSpan(spans.At(k)))
			}
		}
	}
	return out
}

func fromPdataSpan(span ptrace.Span) *SpanRecord {
	s := &SpanRecord{
		TraceID:      TraceID(span.TraceID()),
		SpanID:       SpanID(span.SpanID()),
		ParentSpanID: SpanID(span.ParentSpanID()),
		Name:         span.Name(),
		Start:        span.StartTimestamp().AsTime(),
		Status:       codes.Unset,
		State:        SpanActive,
		Attributes:   fromPdataMap(span.Attributes()),
	}
	if span.EndTimestamp() != 0 {
		s.End = span.EndTimestamp().AsTime()
		s.State = SpanCompleted
		s.Status = fromPdataStatus(span.Status().Code())
	}
	return s
}

func fromPdataStatus(c ptrace.StatusCode) codes.Code {
	switch c {
	case ptrace.StatusCodeUnset:
		return codes.Unset
	case ptrace.StatusCodeOk:
		return codes.Ok
	case ptrace.StatusCodeError:
		return codes.Error
	}
	return unknownStatus
}

// FromMetrics flattens an OTLP metric payload, one record per data point.
// Points that cannot form a valid record are skipped and reported in the
// returned error.
func FromMetrics(md pmetric.Metrics) ([]MetricRecord, error) {
	var out []MetricRecord
	var errs error
	add := func(m MetricRecord, err error) {
		if err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		out = append(out, m)
	}

	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		sms := rms.At(i).ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			ms := sms.At(j).Metrics()
			for k := 0; k < ms.Len(); k++ {
				m := ms.At(k)
				switch m.Type() {
				case pmetric.MetricTypeGauge:
					pts := m.Gauge().DataPoints()
					for p := 0; p < pts.Len(); p++ {
						add(NewGauge(m.Name(), numberValue(pts.At(p)), attrList(pts.At(p).Attributes())...))
					}
				case pmetric.MetricTypeSum:
					pts := m.Sum().DataPoints()
					for p := 0; p < pts.Len(); p++ {
						pt := pts.At(p)
						if m.Sum().IsMonotonic() {
							add(NewCounter(m.Name(), numberValue(pt), attrList(pt.Attributes())...))
						} else {
							add(NewGauge(m.Name(), numberValue(pt), attrList(pt.Attributes())...))
						}
					}
				case pmetric.MetricTypeHistogram:
					pts := m.Histogram().DataPoints()
					for p := 0; p < pts.Len(); p++ {
						pt := pts.At(p)
						add(NewHistogram(m.Name(), HistogramValue{
							Count:        pt.Count(),
							Sum:          pt.Sum(),
							Bounds:       pt.ExplicitBounds().AsRaw(),
							BucketCounts: pt.BucketCounts().AsRaw(),
						}, attrList(pt.Attributes())...))
					}
				case pmetric.MetricTypeExponentialHistogram:
					pts := m.ExponentialHistogram().DataPoints()
					for p := 0; p < pts.Len(); p++ {
						pt := pts.At(p)
						add(NewHistogram(m.Name(), HistogramValue{Count: pt.Count(), Sum: pt.Sum()}, attrList(pt.Attributes())...))
					}
				case pmetric.MetricTypeSummary:
					pts := m.Summary().DataPoints()
					for p := 0; p < pts.Len(); p++ {
						pt := pts.At(p)
						add(NewHistogram(m.Name(), HistogramValue{Count: pt.Count(), Sum: pt.Sum()}, attrList(pt.Attributes())...))
					}
				default:
					errs = multierr.Append(errs, errors.Errorf("metric %q: unsupported type %s", m.Name(), m.Type()))
				}
			}
		}
	}
	return out, errs
}

func numberValue(pt pmetric.NumberDataPoint) float64 {
	if pt.ValueType() == pmetric.NumberDataPointValueTypeInt {
		return float64(pt.IntValue())
	}
	return pt.DoubleValue()
}

// DecodeOTLPJSONTraces reads an OTLP/JSON trace export.
func DecodeOTLPJSONTraces(r io.Reader) ([]*SpanRecord, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading traces")
	}
	td, err := (&ptrace.JSONUnmarshaler{}).UnmarshalTraces(b)
	if err != nil {
		return nil, errors.Wrap(err, "decoding OTLP/JSON traces")
	}
	return FromTraces(td), nil
}

// DecodeOTLPJSONMetrics reads an OTLP/JSON metric export.
func DecodeOTLPJSONMetrics(r io.Reader) ([]MetricRecord, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading metrics")
	}
	md, err := (&pmetric.JSONUnmarshaler{}).UnmarshalMetrics(b)
	if err != nil {
		return nil, errors.Wrap(err, "decoding OTLP/JSON metrics")
	}
	return FromMetrics(md)
}

func attrList(m pcommon.Map) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, m.Len())
	for k, v := range fromPdataMap(m) {
		out = append(out, attribute.KeyValue{Key: attribute.Key(k), Value: v})
	}
	return out
}

func fromPdataMap(m pcommon.Map) map[string]attribute.Value {
	out := make(map[string]attribute.Value, m.Len())
	m.Range(func(k string, v pcommon.Value) bool {
		out[k] = fromPdataValue(v)
		return true
	})
	return out
}

// fromPdataValue maps OTLP values onto attribute values. Heterogeneous
// slices and empty values have no attribute equivalent and come back
// INVALID.
func fromPdataValue(v pcommon.Value) attribute.Value {
	switch v.Type() {
	case pcommon.ValueTypeStr:
		return attribute.StringValue(v.Str())
	case pcommon.ValueTypeInt:
		return attribute.Int64Value(v.Int())
	case pcommon.ValueTypeDouble:
		return attribute.Float64Value(v.Double())
	case pcommon.ValueTypeBool:
		return attribute.BoolValue(v.Bool())
	case pcommon.ValueTypeMap, pcommon.ValueTypeBytes:
		return attribute.StringValue(v.AsString())
	case pcommon.ValueTypeSlice:
		return fromPdataSlice(v.Slice())
	}
	return attribute.Value{}
}

func fromPdataSlice(s pcommon.Slice) attribute.Value {
	if s.Len() == 0 {
		return attribute.StringSliceValue(nil)
	}
	switch s.At(0).Type() {
	case pcommon.ValueTypeStr:
		vals := make([]string, 0, s.Len())
		for i := 0; i < s.Len(); i++ {
			if s.At(i).Type() != pcommon.ValueTypeStr {
				return attribute.Value{}
			}
			vals = append(vals, s.At(i).Str())
		}
		return attribute.StringSliceValue(vals)
	case pcommon.ValueTypeInt:
		vals := make([]int64, 0, s.Len())
		for i := 0; i < s.Len(); i++ {
			if s.At(i).Type() != pcommon.ValueTypeInt {
				return attribute.Value{}
			}
			vals = append(vals, s.At(i).Int())
		}
		return attribute.Int64SliceValue(vals)
	case pcommon.ValueTypeDouble:
		vals := make([]float64, 0, s.Len())
		for i := 0; i < s.Len(); i++ {
			if s.At(i).Type() != pcommon.ValueTypeDouble {
				return attribute.Value{}
			}
			vals = append(vals, s.At(i).Double())
		}
		return attribute.Float64SliceValue(vals)
	case pcommon.ValueTypeBool:
		vals := make([]bool, 0, s.Len())
		for i := 0; i < s.Len(); i++ {
			if s.At(i).Type() != pcommon.ValueTypeBool {
				return attribute.Value{}
			}
			vals = append(vals, s.At(i).Bool())
		}
		return attribute.BoolSliceValue(vals)
	}
	return attribute.Value{}
}
