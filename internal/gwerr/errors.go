// Package gwerr defines the gateway's error taxonomy: a small, stable set
// of classifiable kinds that handlers can map onto WS error envelopes
// without string-matching error messages.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind is one of the gateway's stable error classifications.
type Kind string

const (
	ConfigInvalid    Kind = "ConfigInvalid"
	NotFound         Kind = "NotFound"
	Conflict         Kind = "Conflict"
	NotRunning       Kind = "NotRunning"
	BridgesNotReady  Kind = "BridgesNotReady"
	PortInUse        Kind = "PortInUse"
	ToolNotAllowed   Kind = "ToolNotAllowed"
	SchemaViolation  Kind = "SchemaViolation"
	Timeout          Kind = "Timeout"
	Upstream         Kind = "Upstream"
	TransportClosed  Kind = "TransportClosed"
	Internal         Kind = "Internal"
)

// Error is a classified gateway error. It wraps an optional underlying
// cause so errors.Is/errors.As keep working across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal for unclassified
// errors reaching the UI boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
