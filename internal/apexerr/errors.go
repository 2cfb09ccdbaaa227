// Package apexerr carries the four error kinds the orchestrator reasons
// about (Transient, Protocol, Policy, Fatal) as typed, wrappable errors
// so callers can branch on kind with errors.As rather than string-match.
package apexerr

import (
	"errors"
	"fmt"

	"github.com/apex-trading/apex-core/internal/model"
)

// Error carries a classification kind alongside the wrapped cause.
type Error struct {
	Kind  model.ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind model.ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps a retry-locally error (reasoner timeout, broker 5xx,
// stale market data).
func Transient(cause error, format string, args ...interface{}) *Error {
	e := newf(model.ErrorTransient, format, args...)
	e.Cause = cause
	return e
}

// Protocol wraps a fail-the-round error (schema violation, malformed
// proposal, missing causation id).
func Protocol(cause error, format string, args ...interface{}) *Error {
	e := newf(model.ErrorProtocol, format, args...)
	e.Cause = cause
	return e
}

// Policy wraps a surface-to-user, non-fatal error (risk rejection, user
// rejection, constraint violation).
func Policy(format string, args ...interface{}) *Error {
	return newf(model.ErrorPolicy, format, args...)
}

// Fatal wraps a terminate-the-session error (repeated agent crashes,
// debate engine exception, unrecoverable bus failure).
func Fatal(cause error, format string, args ...interface{}) *Error {
	e := newf(model.ErrorFatal, format, args...)
	e.Cause = cause
	return e
}

// KindOf extracts the classified kind from err, defaulting to Fatal when
// err does not carry one — an unclassified error should never be treated
// as recoverable.
func KindOf(err error) model.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return model.ErrorFatal
}

// IsRetryable reports whether err's kind is handled by local retry.
func IsRetryable(err error) bool {
	return KindOf(err) == model.ErrorTransient
}
