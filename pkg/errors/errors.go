// SPDX-License-Identifier: Apache-2.0
// Package errors provides the closed provider-error taxonomy used by the
// router and the typed error carrying retry hints across layers.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Class classifies provider failures for retry and fallback decisions.
// The set is closed; everything unknown maps to ClassError.
type Class string

const (
	// ClassRateLimited indicates a soft per-minute/per-second limit.
	ClassRateLimited Class = "RATE_LIMITED"

	// ClassTransient indicates network, TLS, timeout, or 5xx failures.
	ClassTransient Class = "TRANSIENT"

	// ClassAuth indicates invalid or missing credentials.
	ClassAuth Class = "AUTH_ERROR"

	// ClassExhausted indicates hard quota or credit exhaustion.
	ClassExhausted Class = "EXHAUSTED"

	// ClassError is the residual class for unrecognized failures.
	ClassError Class = "ERROR"

	// ClassCancelled indicates user-initiated cancellation.
	ClassCancelled Class = "CANCELLED"

	// ClassValidation indicates a structural error in AI output.
	ClassValidation Class = "VALIDATION"

	// ClassNoProvider indicates a critical phase exhausted its chain.
	ClassNoProvider Class = "NO_PROVIDER"
)

// Error is a typed error with the fields the router needs to decide
// retry, fallback, and provider disabling. It implements the error
// interface and unwraps its cause.
type Error struct {
	Class      Class
	Message    string
	Err        error
	Provider   string
	StatusCode int
	// RetryAfter is the provider-suggested wait in seconds, when known.
	RetryAfter float64
	// ErrorType distinguishes hard exhaustion from soft rate limiting on
	// ClassExhausted errors: "exhausted" or "rate_limited".
	ErrorType string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Class      string  `json:"class"`
		Message    string  `json:"message"`
		Provider   string  `json:"provider,omitempty"`
		StatusCode int     `json:"statusCode,omitempty"`
		RetryAfter float64 `json:"retryAfter,omitempty"`
		ErrorType  string  `json:"errorType,omitempty"`
	}{
		Class:      string(e.Class),
		Message:    e.Error(),
		Provider:   e.Provider,
		StatusCode: e.StatusCode,
		RetryAfter: e.RetryAfter,
		ErrorType:  e.ErrorType,
	})
}

// New creates a typed error with the given class, message, and cause.
func New(class Class, msg string, cause error) *Error {
	return &Error{
		Class:      class,
		Message:    msg,
		Err:        cause,
		StatusCode: classToStatusCode(class),
	}
}

// WithProvider records the provider the error came from.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithStatusCode overrides the HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter records the provider-suggested wait in seconds.
func (e *Error) WithRetryAfter(seconds float64) *Error {
	e.RetryAfter = seconds
	return e
}

// NewAuth builds an AUTH_ERROR error.
func NewAuth(msg string, cause error) *Error {
	return New(ClassAuth, msg, cause)
}

// NewRateLimited builds a RATE_LIMITED error carrying the suggested wait.
func NewRateLimited(msg string, retryAfter float64, cause error) *Error {
	return New(ClassRateLimited, msg, cause).WithRetryAfter(retryAfter)
}

// NewExhausted builds an EXHAUSTED error. errorType is "exhausted" for hard
// quota/credit exhaustion or "rate_limited" when a 429 carried quota
// wording; empty defaults to "exhausted".
func NewExhausted(msg, errorType string, cause error) *Error {
	e := New(ClassExhausted, msg, cause)
	if errorType == "" {
		errorType = "exhausted"
	}
	e.ErrorType = errorType
	return e
}

// NewTransient builds a TRANSIENT error.
func NewTransient(msg string, cause error) *Error {
	return New(ClassTransient, msg, cause)
}

// NewValidation builds a VALIDATION error.
func NewValidation(msg string, cause error) *Error {
	return New(ClassValidation, msg, cause)
}

// NewCancelled builds a CANCELLED error.
func NewCancelled(msg string, cause error) *Error {
	return New(ClassCancelled, msg, cause)
}

// ErrNoProvider is returned when a critical phase exhausts its candidate
// chain without recording any provider error.
var ErrNoProvider = New(ClassNoProvider, "no provider available", nil)

// As attempts to extract a typed error from the chain. The second return
// reports whether one was found.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf returns the class of err, or ClassError when err carries none.
func ClassOf(err error) Class {
	if e, ok := As(err); ok {
		return e.Class
	}
	return ClassError
}

// IsCancellation reports whether err is the cancellation error or a
// context cancellation.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok && e.Class == ClassCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// classToStatusCode maps classes to default HTTP status codes for payloads.
func classToStatusCode(class Class) int {
	switch class {
	case ClassAuth:
		return 401
	case ClassExhausted:
		return 402
	case ClassRateLimited:
		return 429
	case ClassTransient:
		return 503
	case ClassValidation:
		return 422
	case ClassCancelled:
		return 499
	case ClassNoProvider:
		return 503
	default:
		return 500
	}
}
