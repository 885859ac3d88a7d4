// Package ddlogerr implements the error-kind taxonomy from §7 of the
// design specification as a typed error instead of the teacher's bare
// fmt.Errorf wrapping chains (aws/implementations.go, writer/writer.go),
// so callers across backup, restore, migration and GC can switch on a
// stable Kind rather than string-matching.
package ddlogerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry policy and
// user-visible reporting, per spec §7.
type Kind string

const (
	Transient  Kind = "transient"
	Fatal      Kind = "fatal"
	Resource   Kind = "resource"
	Data       Kind = "data"
	Conflict   Kind = "conflict"
	CaptureGap Kind = "capture_gap"
)

// Error is the structured error value operations return for recoverable
// failures, per spec §7 ("operations return {success:false, error:{kind,
// message, context}}").
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string, context map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Context: context}
}

// Wrap constructs an Error of the given kind wrapping an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is, or wraps, a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
