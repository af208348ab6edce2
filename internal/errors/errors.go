// Package errors defines the error taxonomy shared by the relay and the
// client stack. Every failure that crosses a component boundary is an *Error
// carrying a Kind, so callers branch on the kind instead of on message text.
package errors

import (
	stderrors "errors"
)

// Kind classifies an error by how the caller is expected to react.
type Kind string

const (
	// KindConnection means the transport could not be (re)established.
	// It is the only kind that is fatal to a session.
	KindConnection Kind = "connection"
	// KindValidation means a payload was malformed or a rule rejected it.
	KindValidation Kind = "validation"
	// KindAuthorization means the sender lacks the role for the operation.
	KindAuthorization Kind = "authorization"
	// KindConflict means an update lost the last-writer-wins comparison.
	KindConflict Kind = "conflict"
	// KindPersistence means a snapshot read or write failed.
	KindPersistence Kind = "persistence"
)

// Kind-level sentinels. errors.Is(err, Validation) matches any validation error.
var (
	Connection    = &Error{Kind: KindConnection}
	Validation    = &Error{Kind: KindValidation}
	Authorization = &Error{Kind: KindAuthorization}
	Conflict      = &Error{Kind: KindConflict}
	Persistence   = &Error{Kind: KindPersistence}
)

// Error is the domain error type with a machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind) + " error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by kind when target carries no code, and by kind and code otherwise.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind around an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf reports the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
