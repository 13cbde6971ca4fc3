package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func completed(name string, end time.Time, attrs ...attribute.KeyValue) *SpanRecord {
	return CompletedSpan(testTraceID, testSpanID, SpanID{}, name, testStart, end, codes.Ok, attrs...)
}

func requireKind(t *testing.T, err error, kind ValidationKind) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected *ValidationError, got %T", err)
	assert.Equal(t, kind, ve.Kind, ve.Error())
	return ve
}

func TestValidSpan(t *testing.T) {
	v := SpanValidator{RequiredAttributes: []string{"http.method"}, StrictIDs: true}
	s := completed("GET /", testStart.Add(time.Millisecond), attribute.String("http.method", "GET"))
	assert.NoError(t, v.Validate(s))
}

func TestTemporalOrder(t *testing.T) {
	v := SpanValidator{}

	err := v.Validate(completed("op", testStart.Add(-time.Nanosecond)))
	requireKind(t, err, InvalidTemporalOrder)
	assert.True(t, errors.Is(err, ErrInvalidTemporalOrder))

	assert.NoError(t, v.Validate(completed("op", testStart)))
	assert.NoError(t, v.Validate(completed("op", testStart.Add(time.Hour))))
}

func TestTemporalOrderViaComplete(t *testing.T) {
	s := StartSpan(testTraceID, testSpanID, SpanID{}, "op", testStart)
	require.NoError(t, s.Complete(testStart.Add(-time.Second), codes.Unset))
	requireKind(t, SpanValidator{}.Validate(s), InvalidTemporalOrder)
}

func TestActiveSpanSkipsTemporalCheck(t *testing.T) {
	s := StartSpan(testTraceID, testSpanID, SpanID{}, "op", testStart)
	assert.NoError(t, SpanValidator{}.Validate(s))
}

func TestActiveSpanWithEnd(t *testing.T) {
	s := StartSpan(testTraceID, testSpanID, SpanID{}, "op", testStart)
	s.End = testStart.Add(time.Second)
	ve := requireKind(t, SpanValidator{}.Validate(s), InvalidTemporalOrder)
	assert.Contains(t, ve.Detail, "active span")
}

func TestNilSpan(t *testing.T) {
	v := SpanValidator{RequiredAttributes: []string{"service.name"}}
	requireKind(t, v.Validate(nil), EmptyName)

	errs := v.ValidateAll([]*SpanRecord{nil, completed("op", testStart)})
	require.Len(t, errs, 2)
	assert.Equal(t, EmptyName, errs[0].Kind)
	assert.Equal(t, MissingAttribute, errs[1].Kind)
}

func TestCompletedWithoutEnd(t *testing.T) {
	s := StartSpan(testTraceID, testSpanID, SpanID{}, "op", testStart)
	s.State = SpanCompleted
	requireKind(t, SpanValidator{}.Validate(s), InvalidTemporalOrder)
}

func TestStrictIDs(t *testing.T) {
	strict := SpanValidator{StrictIDs: true}
	lax := SpanValidator{}

	zeroTrace := completed("op", testStart)
	zeroTrace.TraceID = TraceID{}
	ve := requireKind(t, strict.Validate(zeroTrace), InvalidIdentifier)
	assert.Contains(t, ve.Detail, "trace id")
	assert.NoError(t, lax.Validate(zeroTrace))

	zeroSpan := completed("op", testStart)
	zeroSpan.SpanID = SpanID{}
	ve = requireKind(t, strict.Validate(zeroSpan), InvalidIdentifier)
	assert.Contains(t, ve.Detail, "span id")
}

func TestRuleOrder(t *testing.T) {
	v := SpanValidator{RequiredAttributes: []string{"service.name"}, StrictIDs: true}

	// Every rule is broken; the name rule wins.
	s := &SpanRecord{State: SpanCompleted, Start: testStart, End: testStart.Add(-time.Second), Status: codes.Code(42)}
	requireKind(t, v.Validate(s), EmptyName)

	s.Name = "op"
	requireKind(t, v.Validate(s), InvalidIdentifier)

	s.TraceID, s.SpanID = testTraceID, testSpanID
	ve := requireKind(t, v.Validate(s), MissingAttribute)
	assert.Equal(t, "service.name", ve.Attribute)
	assert.True(t, errors.Is(ve, &ValidationError{Kind: MissingAttribute, Attribute: "service.name"}))
	assert.False(t, errors.Is(ve, &ValidationError{Kind: MissingAttribute, Attribute: "other"}))

	s.SetAttributes(attribute.String("service.name", "checkout"))
	requireKind(t, v.Validate(s), InvalidTemporalOrder)

	s.End = testStart
	requireKind(t, v.Validate(s), InvalidStatus)

	s.Status = codes.Error
	assert.NoError(t, v.Validate(s))
}

func TestAttributeTypes(t *testing.T) {
	v := SpanValidator{AttributeTypes: map[string]attribute.Type{"http.status_code": attribute.INT64}}

	ok := completed("op", testStart, attribute.Int("http.status_code", 200))
	assert.NoError(t, v.Validate(ok))

	bad := completed("op", testStart, attribute.String("http.status_code", "200"))
	ve := requireKind(t, v.Validate(bad), InvalidAttributeType)
	assert.Equal(t, "http.status_code", ve.Attribute)
	assert.Equal(t, "got STRING, want INT64", ve.Detail)

	untyped := completed("op", testStart)
	untyped.Attributes["broken"] = attribute.Value{}
	requireKind(t, SpanValidator{}.Validate(untyped), InvalidAttributeType)
}

func TestValidateAllDoesNotShortCircuit(t *testing.T) {
	v := SpanValidator{StrictIDs: true}
	good := completed("good", testStart)
	noName := completed("", testStart)
	backwards := completed("backwards", testStart.Add(-time.Minute))
	zero := completed("zero", testStart)
	zero.SpanID = SpanID{}

	errs := v.ValidateAll([]*SpanRecord{noName, good, backwards, zero})
	require.Len(t, errs, 3)
	assert.Equal(t, EmptyName, errs[0].Kind)
	assert.Equal(t, InvalidTemporalOrder, errs[1].Kind)
	assert.Equal(t, InvalidIdentifier, errs[2].Kind)
	assert.Contains(t, errs[1].Record, `"backwards"`)
}

func TestMetricValidator(t *testing.T) {
	v := MetricValidator{RequiredAttributes: []string{"service.name"}}

	m, err := NewCounter("", 1)
	require.NoError(t, err)
	// Name is checked before attributes.
	requireKind(t, v.Validate(m), EmptyName)

	m, err = NewCounter("requests", 1)
	require.NoError(t, err)
	ve := requireKind(t, v.Validate(m), MissingAttribute)
	assert.Equal(t, `Counter "requests": MissingAttribute "service.name"`, ve.Error())

	m, err = NewGauge("queue.depth", 3, attribute.String("service.name", "worker"))
	require.NoError(t, err)
	assert.NoError(t, v.Validate(m))

	typed := MetricValidator{AttributeTypes: map[string]attribute.Type{"service.name": attribute.BOOL}}
	requireKind(t, typed.Validate(m), InvalidAttributeType)

	empty, _ := NewGauge("", 0)
	errs := v.ValidateAll([]MetricRecord{m, empty})
	require.Len(t, errs, 1)
	assert.Equal(t, EmptyName, errs[0].Kind)
}
