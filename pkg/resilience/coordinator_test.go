// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"testing"
	"time"
)

func wideOpenRates() *RateRegistry {
	return NewRateRegistry(map[string]int{"gemini": 1000, "claude": 1000, "mystery": 1000})
}

func TestCoordinatorProviderGate(t *testing.T) {
	c := NewCoordinator(map[string]int{"gemini": 1}, 4, wideOpenRates())

	release, err := c.Acquire(context.Background(), "gemini", "tenant-a")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "gemini", "tenant-b"); err == nil {
		t.Fatalf("expected provider gate to block the second request")
	}

	release()
	release() // idempotent

	release2, err := c.Acquire(context.Background(), "gemini", "tenant-b")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestCoordinatorTenantGate(t *testing.T) {
	c := NewCoordinator(map[string]int{"gemini": 8}, 1, wideOpenRates())

	release, err := c.Acquire(context.Background(), "gemini", "tenant-a")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// The same tenant is capped even though the provider has slots.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "gemini", "tenant-a"); err == nil {
		t.Fatalf("expected tenant gate to block")
	}

	release2, err := c.Acquire(context.Background(), "gemini", "tenant-b")
	if err != nil {
		t.Fatalf("other tenant should pass: %v", err)
	}
	release()
	release2()
}

func TestCoordinatorTenantGateScopedPerProvider(t *testing.T) {
	c := NewCoordinator(map[string]int{"gemini": 8, "claude": 8}, 1, wideOpenRates())

	release, err := c.Acquire(context.Background(), "gemini", "tenant-a")
	if err != nil {
		t.Fatalf("acquire on gemini: %v", err)
	}

	// The slot held on gemini must not throttle the same tenant's fallback
	// traffic to claude.
	release2, err := c.Acquire(context.Background(), "claude", "tenant-a")
	if err != nil {
		t.Fatalf("acquire on claude blocked by the gemini slot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "gemini", "tenant-a"); err == nil {
		t.Fatalf("expected the per-provider tenant cap to block on gemini")
	}

	release()
	release2()
}

func TestCoordinatorTenantGateDisabled(t *testing.T) {
	c := NewCoordinator(map[string]int{"gemini": 8}, 0, wideOpenRates())

	var releases []func()
	for i := 0; i < 5; i++ {
		release, err := c.Acquire(context.Background(), "gemini", "tenant-a")
		if err != nil {
			t.Fatalf("acquire %d with the tenant gate off: %v", i+1, err)
		}
		releases = append(releases, release)
	}
	for _, release := range releases {
		release()
	}
}

func TestCoordinatorUnknownProviderDefaults(t *testing.T) {
	c := NewCoordinator(nil, 8, wideOpenRates())

	r1, err := c.Acquire(context.Background(), "mystery", "tenant-a")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	r2, err := c.Acquire(context.Background(), "mystery", "tenant-b")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "mystery", "tenant-c"); err == nil {
		t.Fatalf("unknown providers should cap at %d in-flight", DefaultUnknownConcurrency)
	}

	r1()
	r2()
}

func TestCoordinatorQueueDepth(t *testing.T) {
	c := NewCoordinator(map[string]int{"gemini": 1}, 4, wideOpenRates())

	release, err := c.Acquire(context.Background(), "gemini", "tenant-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r, err := c.Acquire(context.Background(), "gemini", "tenant-b")
		if err == nil {
			r()
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.QueueDepth() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := c.QueueDepth(); got != 1 {
		t.Fatalf("queue depth while blocked = %d, want 1", got)
	}

	release()
	<-done
	if got := c.QueueDepth(); got != 0 {
		t.Errorf("queue depth after drain = %d, want 0", got)
	}
}
