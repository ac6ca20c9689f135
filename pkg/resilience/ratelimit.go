// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"time"
)

// DefaultRPM applies to providers without an explicit requests-per-minute
// entry in the configuration.
const DefaultRPM = 60

// rateWindow is the span of the sliding window.
const rateWindow = time.Minute

// SlidingWindow admits at most limit requests per rolling minute. Callers
// block in Acquire until a slot frees or the context is cancelled.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
	now    func() time.Time
}

// NewSlidingWindow creates a window admitting limit requests per minute.
// Non-positive limits fall back to DefaultRPM.
func NewSlidingWindow(limit int) *SlidingWindow {
	if limit <= 0 {
		limit = DefaultRPM
	}
	return &SlidingWindow{limit: limit, now: time.Now}
}

// SetLimit replaces the admission limit. Existing timestamps are kept, so
// lowering the limit takes effect as the window drains.
func (w *SlidingWindow) SetLimit(limit int) {
	if limit <= 0 {
		limit = DefaultRPM
	}
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

// Acquire blocks until the caller may issue a request. The wait is the time
// until the oldest admitted request leaves the window, slept in short chunks
// so cancellation is honored.
func (w *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		wait, ok := w.tryAdmit()
		if ok {
			return nil
		}
		if err := SleepChunked(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAdmit records the request if a slot is free. Otherwise it returns the
// wait until the oldest timestamp expires.
func (w *SlidingWindow) tryAdmit() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.trimLocked(now)
	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return 0, true
	}
	wait := rateWindow - now.Sub(w.stamps[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func (w *SlidingWindow) trimLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// snapshotLocked is only called from Registry.Snapshot.
func (w *SlidingWindow) snapshot() WindowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.trimLocked(now)
	snap := WindowSnapshot{Used: len(w.stamps), Limit: w.limit}
	if len(w.stamps) > 0 {
		reset := rateWindow - now.Sub(w.stamps[0])
		if reset > 0 {
			snap.ResetSeconds = reset.Seconds()
		}
	}
	return snap
}

// WindowSnapshot reports the state of one provider window.
type WindowSnapshot struct {
	Used         int     `json:"used"`
	Limit        int     `json:"limit"`
	ResetSeconds float64 `json:"resetSeconds"`
}

// RateRegistry keeps one sliding window per provider. Unknown providers get
// a window with DefaultRPM on first use.
type RateRegistry struct {
	mu      sync.Mutex
	limits  map[string]int
	windows map[string]*SlidingWindow
}

// NewRateRegistry creates a registry with per-provider limits. The map may
// be nil.
func NewRateRegistry(limits map[string]int) *RateRegistry {
	r := &RateRegistry{
		limits:  make(map[string]int, len(limits)),
		windows: make(map[string]*SlidingWindow),
	}
	for name, rpm := range limits {
		r.limits[name] = rpm
	}
	return r
}

// Acquire blocks on the provider's window.
func (r *RateRegistry) Acquire(ctx context.Context, provider string) error {
	return r.window(provider).Acquire(ctx)
}

// SetLimit updates the provider's requests-per-minute, creating the window
// if needed. Used by configuration reloads.
func (r *RateRegistry) SetLimit(provider string, rpm int) {
	r.mu.Lock()
	r.limits[provider] = rpm
	w := r.windows[provider]
	r.mu.Unlock()
	if w != nil {
		w.SetLimit(rpm)
	}
}

// Snapshot reports every window created so far.
func (r *RateRegistry) Snapshot() map[string]WindowSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]WindowSnapshot, len(r.windows))
	for name, w := range r.windows {
		out[name] = w.snapshot()
	}
	return out
}

func (r *RateRegistry) window(provider string) *SlidingWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.windows[provider]; ok {
		return w
	}
	limit, ok := r.limits[provider]
	if !ok {
		limit = DefaultRPM
	}
	w := NewSlidingWindow(limit)
	r.windows[provider] = w
	return w
}
