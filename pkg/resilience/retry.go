// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the retry policy, sliding-window rate limiter,
// resource coordinator, and circuit breaker sitting between the provider
// router and the remote LLM clients.
package resilience

import (
	"math/rand"
	"time"

	"github.com/jllopis/escriba/pkg/errors"
)

// backoffSchedule holds the base wait in seconds per attempt. Attempts past
// the end of the schedule reuse the last entry.
var backoffSchedule = [...]float64{2, 5, 12}

// minBackoff is the floor applied after jitter.
const minBackoff = 0.1

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before the next one.
type RetryPolicy struct {
	RateLimitRetries int
	TransientRetries int
	Jitter           float64
	CapSeconds       float64

	rng *rand.Rand
}

// NewRetryPolicy creates a policy with the default limits: two retries for
// rate limiting, one for transient failures, 30% jitter, 30 s cap.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		RateLimitRetries: 2,
		TransientRetries: 1,
		Jitter:           0.3,
		CapSeconds:       30,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRetries sets the per-class retry limits.
func (p *RetryPolicy) WithRetries(rateLimited, transient int) *RetryPolicy {
	p.RateLimitRetries = rateLimited
	p.TransientRetries = transient
	return p
}

// WithJitter sets the jitter factor (0 disables jitter).
func (p *RetryPolicy) WithJitter(jitter float64) *RetryPolicy {
	if jitter >= 0 {
		p.Jitter = jitter
	}
	return p
}

// WithCap sets the maximum backoff in seconds.
func (p *RetryPolicy) WithCap(seconds float64) *RetryPolicy {
	if seconds > 0 {
		p.CapSeconds = seconds
	}
	return p
}

// WithRand injects the random source. Tests use a seeded source to assert
// exact wait sequences.
func (p *RetryPolicy) WithRand(rng *rand.Rand) *RetryPolicy {
	p.rng = rng
	return p
}

// ShouldRetry reports whether an attempt with the given zero-based attempt
// counter may be retried. Only rate-limited and transient failures are ever
// retried.
func (p *RetryPolicy) ShouldRetry(class errors.Class, attempt int) bool {
	switch class {
	case errors.ClassRateLimited:
		return attempt < p.RateLimitRetries
	case errors.ClassTransient:
		return attempt < p.TransientRetries
	default:
		return false
	}
}

// Backoff computes the wait before retrying after the given attempt. A
// positive retryAfter hint from the provider is honored exactly, clamped to
// the cap and exempt from jitter. Otherwise the schedule entry for the
// attempt is scaled by a uniform factor in [1-jitter, 1+jitter] and clamped
// to [0.1s, cap].
func (p *RetryPolicy) Backoff(attempt int, retryAfter float64) time.Duration {
	if retryAfter > 0 {
		if retryAfter > p.CapSeconds {
			retryAfter = p.CapSeconds
		}
		return secondsToDuration(retryAfter)
	}

	idx := attempt
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	wait := backoffSchedule[idx]
	if p.Jitter > 0 {
		wait *= 1 + p.Jitter*(2*p.rng.Float64()-1)
	}
	if wait < minBackoff {
		wait = minBackoff
	}
	if wait > p.CapSeconds {
		wait = p.CapSeconds
	}
	return secondsToDuration(wait)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
