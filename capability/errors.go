package capability

import (
	"errors"
	"fmt"
)

// Kind classifies a capability failure. Kinds are rendered verbatim into the
// result turn the model sees, so they are stable identifiers.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindHandlerFault  Kind = "handler_fault"
	KindEmptyResponse Kind = "empty_response"
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
)

var (
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrEmptyResponse      = errors.New("capability returned no data")
	ErrTimeout            = errors.New("capability timed out")
	ErrRegistrySealed     = errors.New("registry is sealed")
)

// Error describes why a dispatched call did not succeed.
type Error struct {
	Kind   Kind
	Slug   string
	Method string
	Cause  error
}

func (e *Error) Error() string {
	target := e.Slug
	if e.Method != "" {
		target += ":" + e.Method
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, target, e.Cause)
	}
	return fmt.Sprintf("%s %s", e.Kind, target)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Message is the part of the error shown to the model.
func (e *Error) Message() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}
