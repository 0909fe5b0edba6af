package validator

import (
	"errors"
	"fmt"

	"github.com/deep-rent/sentinel/event"
)

// Error is the single error type surfaced by the validation pipeline. It
// carries one event.Kind as its stable identifier; the numeric Code is the
// kind's value. Messages are static templates and never contain token
// contents.
type Error struct {
	kind    event.Kind
	message string
}

func newError(kind event.Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.kind, e.kind, e.message)
}

// Kind returns the event kind identifying the failure.
func (e *Error) Kind() event.Kind { return e.kind }

// Code returns the stable numeric identifier of the failure.
func (e *Error) Code() int { return int(e.kind) }

// IsKind reports whether err is a validation Error of the given kind.
func IsKind(err error, kind event.Kind) bool {
	var v *Error
	return errors.As(err, &v) && v.kind == kind
}
