package types

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors with a stable string for logs and metrics.
type Kind string

// Error kinds. Each runtime error carries exactly one kind.
const (
	KindConfiguration       Kind = "configuration"
	KindValidation          Kind = "validation"
	KindResource            Kind = "resource"
	KindStorage             Kind = "storage"
	KindNetwork             Kind = "network"
	KindRetryable           Kind = "retryable"
	KindFatal               Kind = "fatal"
	KindBundleRefValidation Kind = "bundle_ref_validation"
)

// Error is the classified engine error. It preserves the underlying error
// in the chain for errors.Is/errors.As inspection.
type Error struct {
	// Kind is the stable classification string.
	Kind Kind
	// Msg is the human-readable description.
	Msg string
	// Component optionally attributes the failing component.
	Component string
	// Resource optionally attributes a URL or target.
	Resource string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Resource != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Msg, e.Resource, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Resource != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Resource)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

// Unwrap returns the underlying error for chain traversal.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithResource returns a copy of e attributed to a resource.
func (e *Error) WithResource(resource string) *Error {
	out := *e
	out.Resource = resource
	return &out
}

// WithComponent returns a copy of e attributed to a component.
func (e *Error) WithComponent(component string) *Error {
	out := *e
	out.Component = component
	return &out
}

// KindOf extracts the Kind of a classified error, or KindFatal for
// unclassified errors. Returns empty string for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsRetryable reports whether the error is classified retryable.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// ErrLocatorStalled is surfaced by a locator after retry exhaustion.
// The cursor is not advanced; the scheduler records the stall and
// continues draining other locators.
var ErrLocatorStalled = errors.New("locator stalled")
