// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"testing"
	"time"
)

func TestSlidingWindowAdmitsUpToLimit(t *testing.T) {
	now := time.Now()
	w := NewSlidingWindow(3)
	w.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		wait, ok := w.tryAdmit()
		if !ok || wait != 0 {
			t.Fatalf("admit %d: ok=%v wait=%v", i, ok, wait)
		}
	}
	wait, ok := w.tryAdmit()
	if ok {
		t.Fatalf("expected fourth request to be blocked")
	}
	if wait != rateWindow {
		t.Errorf("wait = %v, want %v", wait, rateWindow)
	}
}

func TestSlidingWindowFreesSlots(t *testing.T) {
	now := time.Now()
	w := NewSlidingWindow(2)
	w.now = func() time.Time { return now }

	w.tryAdmit()
	now = now.Add(30 * time.Second)
	w.tryAdmit()

	if _, ok := w.tryAdmit(); ok {
		t.Fatalf("window should be full")
	}
	// The oldest slot frees once its minute elapses.
	now = now.Add(30*time.Second + time.Millisecond)
	if _, ok := w.tryAdmit(); !ok {
		t.Errorf("expected a slot after the oldest timestamp expired")
	}
}

func TestSlidingWindowAcquireCancelled(t *testing.T) {
	w := NewSlidingWindow(1)
	if err := w.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Acquire(ctx); err == nil {
		t.Errorf("expected context error while window is full")
	}
}

func TestRateRegistryUnknownProviderDefault(t *testing.T) {
	r := NewRateRegistry(nil)

	if err := r.Acquire(context.Background(), "mystery"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	snap := r.Snapshot()["mystery"]
	if snap.Limit != DefaultRPM {
		t.Errorf("limit = %d, want %d", snap.Limit, DefaultRPM)
	}
	if snap.Used != 1 {
		t.Errorf("used = %d, want 1", snap.Used)
	}
	if snap.ResetSeconds <= 0 || snap.ResetSeconds > 60 {
		t.Errorf("resetSeconds = %f, want within (0, 60]", snap.ResetSeconds)
	}
}

func TestRateRegistrySetLimit(t *testing.T) {
	r := NewRateRegistry(map[string]int{"gemini": 1})

	if err := r.Acquire(context.Background(), "gemini"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	w := r.window("gemini")
	if _, ok := w.tryAdmit(); ok {
		t.Fatalf("window should be full at limit 1")
	}

	r.SetLimit("gemini", 5)
	if _, ok := w.tryAdmit(); !ok {
		t.Errorf("expected admission after limit raise")
	}
	if got := r.Snapshot()["gemini"].Limit; got != 5 {
		t.Errorf("limit after SetLimit = %d, want 5", got)
	}
}

func TestSleepChunkedZero(t *testing.T) {
	if err := SleepChunked(context.Background(), 0); err != nil {
		t.Fatalf("zero sleep: %v", err)
	}
}

func TestSleepChunkedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := SleepChunked(ctx, 5*time.Second)
	if err == nil {
		t.Fatalf("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %v, want prompt wake", elapsed)
	}
}
