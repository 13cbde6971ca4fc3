package telemetry

import (
	"fmt"
)

type ValidationKind int

const (
	MissingAttribute ValidationKind = iota + 1
	InvalidAttributeType
	InvalidTemporalOrder
	InvalidIdentifier
	EmptyName
	InvalidStatus
)

func (k ValidationKind) String() string {
	switch k {
	case MissingAttribute:
		return "MissingAttribute"
	case InvalidAttributeType:
		return "InvalidAttributeType"
	case InvalidTemporalOrder:
		return "InvalidTemporalOrder"
	case InvalidIdentifier:
		return "InvalidIdentifier"
	case EmptyName:
		return "EmptyName"
	case InvalidStatus:
		return "InvalidStatus"
	}
	return fmt.Sprintf("ValidationKind(%d)", int(k))
}

// ValidationError names the first rule a record violated.
type ValidationError struct {
	Kind ValidationKind

	// Record identifies the offending span or metric.
	Record string

	// Attribute is set for MissingAttribute and InvalidAttributeType.
	Attribute string

	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Record, e.Kind)
	if e.Attribute != "" {
		msg += fmt.Sprintf(" %q", e.Attribute)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches another *ValidationError of the same Kind, so the sentinels
// below work with errors.Is.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Attribute == "" || t.Attribute == e.Attribute
}

var (
	ErrMissingAttribute     = &ValidationError{Kind: MissingAttribute}
	ErrInvalidAttributeType = &ValidationError{Kind: InvalidAttributeType}
	ErrInvalidTemporalOrder = &ValidationError{Kind: InvalidTemporalOrder}
	ErrInvalidIdentifier    = &ValidationError{Kind: InvalidIdentifier}
	ErrEmptyName            = &ValidationError{Kind: EmptyName}
	ErrInvalidStatus        = &ValidationError{Kind: InvalidStatus}
)
