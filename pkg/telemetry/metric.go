package telemetry

import (
	"fmt"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
)

type MetricKind int

const (
	MetricCounter MetricKind = iota
	MetricGauge
	MetricHistogram
)

func (k MetricKind) String() string {
	switch k {
	case MetricCounter:
		return "Counter"
	case MetricGauge:
		return "Gauge"
	case MetricHistogram:
		return "Histogram"
	}
	return fmt.Sprintf("MetricKind(%d)", int(k))
}

// HistogramValue is an explicit-bucket histogram point.
// BucketCounts has one more entry than Bounds, or is empty.
type HistogramValue struct {
	Count        uint64
	Sum          float64
	Bounds       []float64
	BucketCounts []uint64
}

// MetricRecord is immutable once constructed.
type MetricRecord struct {
	name      string
	kind      MetricKind
	value     float64
	histogram HistogramValue
	attrs     map[string]attribute.Value
}

// NewCounter rejects negative and non-finite values, since counters are monotonic sums.
func NewCounter(name string, value float64, attrs ...attribute.KeyValue) (MetricRecord, error) {
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return MetricRecord{}, fmt.Errorf("counter %q: invalid value %v", name, value)
	}
	return MetricRecord{name: name, kind: MetricCounter, value: value, attrs: attributeMap(attrs)}, nil
}

func NewGauge(name string, value float64, attrs ...attribute.KeyValue) (MetricRecord, error) {
	if math.IsNaN(value) {
		return MetricRecord{}, fmt.Errorf("gauge %q: value is NaN", name)
	}
	return MetricRecord{name: name, kind: MetricGauge, value: value, attrs: attributeMap(attrs)}, nil
}

func NewHistogram(name string, h HistogramValue, attrs ...attribute.KeyValue) (MetricRecord, error) {
	if len(h.BucketCounts) != 0 {
		if len(h.BucketCounts) != len(h.Bounds)+1 {
			return MetricRecord{}, fmt.Errorf("histogram %q: %d bucket counts for %d bounds", name, len(h.BucketCounts), len(h.Bounds))
		}
		var total uint64
		for _, c := range h.BucketCounts {
			total += c
		}
		if total != h.Count {
			return MetricRecord{}, fmt.Errorf("histogram %q: bucket counts sum to %d, want %d", name, total, h.Count)
		}
	}
	if !sort.Float64sAreSorted(h.Bounds) {
		return MetricRecord{}, fmt.Errorf("histogram %q: bounds are not sorted", name)
	}

	h.Bounds = append([]float64(nil), h.Bounds...)
	h.BucketCounts = append([]uint64(nil), h.BucketCounts...)
	return MetricRecord{name: name, kind: MetricHistogram, histogram: h, attrs: attributeMap(attrs)}, nil
}

func (m MetricRecord) Name() string     { return m.name }
func (m MetricRecord) Kind() MetricKind { return m.kind }

// Value is the counter or gauge reading. For histograms it is the sum.
func (m MetricRecord) Value() float64 {
	if m.kind == MetricHistogram {
		return m.histogram.Sum
	}
	return m.value
}

func (m MetricRecord) Histogram() (HistogramValue, bool) {
	if m.kind != MetricHistogram {
		return HistogramValue{}, false
	}
	h := m.histogram
	h.Bounds = append([]float64(nil), h.Bounds...)
	h.BucketCounts = append([]uint64(nil), h.BucketCounts...)
	return h, true
}

func (m MetricRecord) Attribute(key string) (attribute.Value, bool) {
	v, ok := m.attrs[key]
	return v, ok
}

// Attributes returns a copy of the attribute map.
func (m MetricRecord) Attributes() map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(m.attrs))
	for k, v := range m.attrs {
		out[k] = v
	}
	return out
}

func (m MetricRecord) identity() string {
	return fmt.Sprintf("%s %q", m.kind, m.name)
}
