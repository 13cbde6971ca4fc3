package telemetry

import (
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// SpanValidator checks spans one rule at a time, in a fixed order:
// name, identifiers, required attributes, attribute types, temporal
// order, status. Only the first violation is reported.
type SpanValidator struct {
	RequiredAttributes []string

	// AttributeTypes constrains the type of an attribute when it is present.
	AttributeTypes map[string]attribute.Type

	// StrictIDs rejects all-zero trace and span identifiers.
	StrictIDs bool
}

// Validate returns nil or a *ValidationError.
func (v SpanValidator) Validate(s *SpanRecord) error {
	if err := v.check(s); err != nil {
		return err
	}
	return nil
}

// ValidateAll checks every span independently and returns one error per
// offending span, in input order.
func (v SpanValidator) ValidateAll(spans []*SpanRecord) []*ValidationError {
	var errs []*ValidationError
	for _, s := range spans {
		if err := v.check(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (v SpanValidator) check(s *SpanRecord) *ValidationError {
	if s == nil {
		return &ValidationError{Kind: EmptyName, Record: "<nil span>", Detail: "span is nil"}
	}
	id := s.identity()
	if s.Name == "" {
		return &ValidationError{Kind: EmptyName, Record: id, Detail: "span name is empty"}
	}

	if v.StrictIDs {
		if !s.TraceID.IsValid() {
			return &ValidationError{Kind: InvalidIdentifier, Record: id, Detail: "trace id is all zeros"}
		}
		if !s.SpanID.IsValid() {
			return &ValidationError{Kind: InvalidIdentifier, Record: id, Detail: "span id is all zeros"}
		}
	}

	if err := checkAttributes(id, s.Attributes, v.RequiredAttributes, v.AttributeTypes); err != nil {
		return err
	}

	// Ordering is undefined until the span completes.
	if s.State == SpanActive && !s.End.IsZero() {
		return &ValidationError{Kind: InvalidTemporalOrder, Record: id, Detail: "active span has an end time"}
	}
	if s.State == SpanCompleted {
		if s.End.IsZero() {
			return &ValidationError{Kind: InvalidTemporalOrder, Record: id, Detail: "completed span has no end time"}
		}
		if s.End.Before(s.Start) {
			return &ValidationError{
				Kind:   InvalidTemporalOrder,
				Record: id,
				Detail: fmt.Sprintf("end %s is before start %s", s.End.Format(time.RFC3339Nano), s.Start.Format(time.RFC3339Nano)),
			}
		}
	}

	switch s.Status {
	case codes.Unset, codes.Ok, codes.Error:
	default:
		return &ValidationError{Kind: InvalidStatus, Record: id, Detail: fmt.Sprintf("unknown status code %d", uint32(s.Status))}
	}
	return nil
}

// MetricValidator applies the name and attribute rules of SpanValidator.
// Metrics carry no identifiers or timing.
type MetricValidator struct {
	RequiredAttributes []string
	AttributeTypes     map[string]attribute.Type
}

func (v MetricValidator) Validate(m MetricRecord) error {
	if err := v.check(m); err != nil {
		return err
	}
	return nil
}

func (v MetricValidator) ValidateAll(metrics []MetricRecord) []*ValidationError {
	var errs []*ValidationError
	for _, m := range metrics {
		if err := v.check(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (v MetricValidator) check(m MetricRecord) *ValidationError {
	id := m.identity()
	if m.name == "" {
		return &ValidationError{Kind: EmptyName, Record: id, Detail: "metric name is empty"}
	}
	return checkAttributes(id, m.attrs, v.RequiredAttributes, v.AttributeTypes)
}

func checkAttributes(id string, attrs map[string]attribute.Value, required []string, types map[string]attribute.Type) *ValidationError {
	for _, key := range required {
		if _, ok := attrs[key]; !ok {
			return &ValidationError{Kind: MissingAttribute, Record: id, Attribute: key}
		}
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := attrs[key]
		if val.Type() == attribute.INVALID {
			return &ValidationError{Kind: InvalidAttributeType, Record: id, Attribute: key, Detail: "value has no type"}
		}
		want, ok := types[key]
		if ok && val.Type() != want {
			return &ValidationError{
				Kind:      InvalidAttributeType,
				Record:    id,
				Attribute: key,
				Detail:    fmt.Sprintf("got %s, want %s", val.Type(), want),
			}
		}
	}
	return nil
}
