package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation on an external resource failed.
type Kind int

const (
	KindUnknown Kind = iota
	BinaryNotFound
	RegistryNotFound
	DaemonUnreachable
	DaemonUnresponsive
	DaemonUnsupported
	ProcessStartFailed
	ProcessStopFailed
	ProcessNotRunning
	ContainerCreationFailed
	WaitConditionTimeout
	StateConflict
)

func (k Kind) String() string {
	switch k {
	case BinaryNotFound:
		return "BinaryNotFound"
	case RegistryNotFound:
		return "RegistryNotFound"
	case DaemonUnreachable:
		return "DaemonUnreachable"
	case DaemonUnresponsive:
		return "DaemonUnresponsive"
	case DaemonUnsupported:
		return "DaemonUnsupported"
	case ProcessStartFailed:
		return "ProcessStartFailed"
	case ProcessStopFailed:
		return "ProcessStopFailed"
	case ProcessNotRunning:
		return "ProcessNotRunning"
	case ContainerCreationFailed:
		return "ContainerCreationFailed"
	case WaitConditionTimeout:
		return "WaitConditionTimeout"
	case StateConflict:
		return "StateConflict"
	}
	return "Unknown"
}

type Error struct {
	Kind Kind

	// Resource names the container, process, or system involved.
	Resource string

	Detail string

	Err error
}

func NewError(kind Kind, resource string, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Resource: resource, Detail: fmt.Sprintf(format, a...)}
}

// WrapError keeps err's message intact under the given kind.
func WrapError(kind Kind, resource string, err error, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Resource: resource, Detail: fmt.Sprintf(format, a...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Resource != "" {
		msg += fmt.Sprintf("(%s)", e.Resource)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind. A target with a Resource set
// must also match on Resource.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Resource == "" || t.Resource == e.Resource
}

var (
	ErrBinaryNotFound          = &Error{Kind: BinaryNotFound}
	ErrRegistryNotFound        = &Error{Kind: RegistryNotFound}
	ErrDaemonUnreachable       = &Error{Kind: DaemonUnreachable}
	ErrDaemonUnresponsive      = &Error{Kind: DaemonUnresponsive}
	ErrDaemonUnsupported       = &Error{Kind: DaemonUnsupported}
	ErrProcessStartFailed      = &Error{Kind: ProcessStartFailed}
	ErrProcessStopFailed       = &Error{Kind: ProcessStopFailed}
	ErrProcessNotRunning       = &Error{Kind: ProcessNotRunning}
	ErrContainerCreationFailed = &Error{Kind: ContainerCreationFailed}
	ErrWaitConditionTimeout    = &Error{Kind: WaitConditionTimeout}
	ErrStateConflict           = &Error{Kind: StateConflict}
)

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
