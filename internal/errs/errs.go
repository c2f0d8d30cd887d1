// SPDX-License-Identifier: LGPL-3.0-or-later

// Package errs implements the coded error taxonomy shared by the relay
// and the client runtime: every error that crosses a package boundary
// is wrapped into one of a fixed set of kinds, each carrying an HTTP
// status and a retryable flag.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the closed set of error kinds.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindAuth       Kind = "auth_error"
	KindForbidden  Kind = "forbidden_error"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate_limited"
	KindTransient  Kind = "transient_transport_error"
	KindCrypto     Kind = "crypto_error"
	KindQueueFull  Kind = "queue_full"
	KindExpired    Kind = "expired_error"
	KindInternal   Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	KindValidation: http.StatusBadRequest,
	KindAuth:       http.StatusUnauthorized,
	KindForbidden:  http.StatusForbidden,
	KindNotFound:   http.StatusNotFound,
	KindConflict:   http.StatusConflict,
	KindRateLimit:  http.StatusTooManyRequests,
	KindTransient:  http.StatusServiceUnavailable,
	KindCrypto:     http.StatusBadRequest,
	KindQueueFull:  http.StatusServiceUnavailable,
	KindExpired:    http.StatusGone,
	KindInternal:   http.StatusInternalServerError,
}

var retryableByKind = map[Kind]bool{
	KindValidation: false,
	KindAuth:       false,
	KindForbidden:  false,
	KindNotFound:   false,
	KindConflict:   false,
	KindRateLimit:  true,
	KindTransient:  true,
	KindCrypto:     false,
	KindQueueFull:  true,
	KindExpired:    false,
	KindInternal:   false,
}

// Error is a coded error carrying an HTTP status and retry semantics.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the status code this error maps to.
func (e *Error) HTTPStatus() int { return statusByKind[e.Kind] }

// Retryable reports whether a caller should retry the operation.
func (e *Error) Retryable() bool { return retryableByKind[e.Kind] }

// New builds a coded error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a coded error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func Auth(format string, args ...any) *Error {
	return New(KindAuth, fmt.Sprintf(format, args...))
}

// Forbidden builds an error for a known actor whose request is
// authentic but not permitted: a revoked or not-yet-active agent, or
// an admin signature that doesn't verify.
func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimit, fmt.Sprintf(format, args...))
}

func Transient(cause error, format string, args ...any) *Error {
	return Wrap(KindTransient, fmt.Sprintf(format, args...), cause)
}

func Crypto(format string, args ...any) *Error {
	return New(KindCrypto, fmt.Sprintf(format, args...))
}

func QueueFull(format string, args ...any) *Error {
	return New(KindQueueFull, fmt.Sprintf(format, args...))
}

func Expired(format string, args ...any) *Error {
	return New(KindExpired, fmt.Sprintf(format, args...))
}

func Internal(cause error, format string, args ...any) *Error {
	return Wrap(KindInternal, fmt.Sprintf(format, args...), cause)
}

// As recovers a *Error from err, the same way errors.As would.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Envelope is the JSON body written for any *Error reaching an HTTP boundary.
type Envelope struct {
	Error struct {
		Kind    Kind   `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

// ToEnvelope converts err (coded or not) into a wire-safe envelope and
// the HTTP status it should be served with. Uncoded errors are
// reported as internal errors without leaking their message.
func ToEnvelope(err error) (Envelope, int) {
	var env Envelope
	if e, ok := As(err); ok {
		env.Error.Kind = e.Kind
		env.Error.Message = e.Message
		return env, e.HTTPStatus()
	}
	env.Error.Kind = KindInternal
	env.Error.Message = "internal error"
	return env, http.StatusInternalServerError
}
