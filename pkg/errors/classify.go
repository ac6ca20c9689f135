// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Marker tables for message-based classification. Matching is on the
// lowercased message; first matching rule wins, in the order Classify
// applies them.
var (
	authMarkers = []string{
		"invalid api key",
		"permission denied",
		"unauthorized",
		"forbidden",
	}
	exhaustedMarkers = []string{
		"quota exceeded",
		"resource_exhausted",
		"insufficient_quota",
		"exceeded your current quota",
	}
	rateLimitMarkers = []string{
		"rate limit",
		"rate-limited",
		"retry after",
		"retry in",
	}
	transientMarkers = []string{
		"timeout",
		"timed out",
		"read timed out",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"sslv3_alert_bad_record_mac",
		"bad record mac",
		"ssl:",
	}
)

var retryAfterPattern = regexp.MustCompile(`(retry after|retry in)\s+([0-9]+(\.[0-9]+)?)`)

// Classify maps an arbitrary error plus an optional HTTP status code into
// the closed class set. Rules apply in order; the first match wins:
//
//  1. 401/403 or an auth marker        -> AUTH_ERROR
//  2. a quota marker or 402            -> EXHAUSTED
//  3. 429 or a rate-limit marker       -> RATE_LIMITED
//  4. 5xx or a timeout/TLS/conn marker -> TRANSIENT
//  5. anything else                    -> ERROR
//
// A typed *Error in the chain short-circuits with its own class, and
// context.Canceled maps to CANCELLED.
func Classify(err error, statusCode int) Class {
	if err == nil {
		return ClassError
	}
	if e, ok := As(err); ok && e.Class != "" {
		return e.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())

	if statusCode == 401 || statusCode == 403 || containsAny(msg, authMarkers) {
		return ClassAuth
	}
	if statusCode == 402 || containsAny(msg, exhaustedMarkers) {
		return ClassExhausted
	}
	if statusCode == 429 || containsAny(msg, rateLimitMarkers) {
		return ClassRateLimited
	}
	switch statusCode {
	case 500, 502, 503, 504:
		return ClassTransient
	}
	if containsAny(msg, transientMarkers) {
		return ClassTransient
	}
	return ClassError
}

// RetryAfterSeconds extracts the suggested wait from an error. A typed
// error's RetryAfter field wins; otherwise the message is scanned for a
// "retry after N" / "retry in N" hint. Returns 0 when absent, unparseable,
// or non-positive.
func RetryAfterSeconds(err error) float64 {
	if err == nil {
		return 0
	}
	if e, ok := As(err); ok && e.RetryAfter > 0 {
		return e.RetryAfter
	}
	m := retryAfterPattern.FindStringSubmatch(strings.ToLower(err.Error()))
	if m == nil {
		return 0
	}
	v, parseErr := strconv.ParseFloat(m[2], 64)
	if parseErr != nil || v <= 0 {
		return 0
	}
	return v
}

// quotaMarkers flag a 429 that is really hard quota exhaustion, not a soft
// per-minute limit.
var quotaMarkers = []string{
	"quota",
	"insufficient_quota",
	"billing",
	"credit",
	"per day",
	"per-day",
}

// FromStatus builds a coded error from an SDK failure surface: the HTTP
// status, the sanitized message, and an optional retry-after hint. Providers
// use it to adapt their SDK errors into the closed taxonomy. A 429 whose
// message carries quota wording maps to EXHAUSTED instead of RATE_LIMITED.
func FromStatus(provider string, statusCode int, msg string, retryAfter float64, cause error) *Error {
	lower := strings.ToLower(msg)
	var e *Error
	switch {
	case statusCode == 401 || statusCode == 403:
		e = NewAuth(msg, cause)
	case statusCode == 402:
		e = NewExhausted(msg, "exhausted", cause)
	case statusCode == 429:
		if containsAny(lower, quotaMarkers) {
			e = NewExhausted(msg, "rate_limited", cause)
		} else {
			e = NewRateLimited(msg, retryAfter, cause)
		}
	case statusCode == 408 || statusCode >= 500:
		e = NewTransient(msg, cause)
	default:
		e = New(Classify(fmtErr(msg, cause), statusCode), msg, cause)
	}
	e = e.WithProvider(provider)
	if statusCode != 0 {
		e = e.WithStatusCode(statusCode)
	}
	if retryAfter > 0 && e.RetryAfter == 0 {
		e = e.WithRetryAfter(retryAfter)
	}
	return e
}

// fmtErr yields the error value Classify should scan: the cause when
// present, else the message itself.
func fmtErr(msg string, cause error) error {
	if cause != nil {
		return cause
	}
	return errors.New(msg)
}

func containsAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
