package telemetry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestCounterRejectsNegative(t *testing.T) {
	_, err := NewCounter("requests", -1)
	assert.Error(t, err)
	_, err = NewCounter("requests", math.Inf(1))
	assert.Error(t, err)
}

func TestGaugeRejectsNaN(t *testing.T) {
	_, err := NewGauge("temp", math.NaN())
	assert.Error(t, err)

	g, err := NewGauge("temp", -40)
	require.NoError(t, err)
	assert.Equal(t, MetricGauge, g.Kind())
	assert.Equal(t, float64(-40), g.Value())
	_, isHist := g.Histogram()
	assert.False(t, isHist)
}

func TestHistogram(t *testing.T) {
	_, err := NewHistogram("latency", HistogramValue{Count: 3, Bounds: []float64{1, 2}, BucketCounts: []uint64{1, 2}})
	assert.Error(t, err, "bucket count mismatch")

	_, err = NewHistogram("latency", HistogramValue{Count: 3, Bounds: []float64{2, 1}, BucketCounts: []uint64{1, 1, 1}})
	assert.Error(t, err, "unsorted bounds")

	_, err = NewHistogram("latency", HistogramValue{Count: 4, Bounds: []float64{1, 2}, BucketCounts: []uint64{1, 1, 1}})
	assert.Error(t, err, "counts do not sum")

	bounds := []float64{1, 2}
	h, err := NewHistogram("latency", HistogramValue{Count: 3, Sum: 4.5, Bounds: bounds, BucketCounts: []uint64{1, 1, 1}})
	require.NoError(t, err)
	bounds[0] = 100

	hv, ok := h.Histogram()
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, hv.Bounds)
	assert.Equal(t, 4.5, h.Value())
}

func TestMetricAttributesAreCopied(t *testing.T) {
	m, err := NewCounter("requests", 2, attribute.String("route", "/"))
	require.NoError(t, err)

	attrs := m.Attributes()
	attrs["route"] = attribute.StringValue("/changed")

	v, ok := m.Attribute("route")
	require.True(t, ok)
	assert.Equal(t, "/", v.AsString())
}
