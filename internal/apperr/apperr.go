// Package apperr defines the error kinds shared by the payment engine and
// the mapping helpers used at the HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindForbidden        Kind = "forbidden"
	KindConflict         Kind = "conflict"
	KindFraudBlocked     Kind = "fraud_blocked"
	KindGateway          Kind = "gateway"
	KindStockExhausted   Kind = "stock_exhausted"
	KindRetriesExhausted Kind = "retries_exhausted"
	KindSideEffect       Kind = "side_effect"
	KindInternal         Kind = "internal"
)

// Error carries a kind, a caller-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Message returns the caller-safe message of err. Internal errors collapse to a
// generic text so storage details never leak to clients.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}

func Validation(msg string) error { return New(KindValidation, msg) }
func NotFound(msg string) error   { return New(KindNotFound, msg) }
func Forbidden(msg string) error  { return New(KindForbidden, msg) }
func Conflict(msg string) error   { return New(KindConflict, msg) }
