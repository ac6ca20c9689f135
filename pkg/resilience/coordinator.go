// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultUnknownConcurrency caps in-flight requests for providers that have
// no concurrency entry in the configuration.
const DefaultUnknownConcurrency = 2

// Coordinator serializes access to the remote providers. Every request
// passes three gates in order: the provider concurrency semaphore, the
// per-(provider, tenant) semaphore, and the provider rate window. Releases
// run in reverse.
type Coordinator struct {
	mu           sync.Mutex
	concurrency  map[string]int
	providerSems map[string]*semaphore.Weighted
	tenantSems   map[tenantKey]*semaphore.Weighted
	tenantLimit  int64
	rates        *RateRegistry
	queued       atomic.Int64
}

// tenantKey scopes the tenant cap per provider, so a tenant's traffic on a
// fallback provider is not throttled by its slots on the primary.
type tenantKey struct {
	provider string
	tenant   string
}

// NewCoordinator creates a coordinator with per-provider concurrency limits
// and a per-(provider, tenant) inflight cap. Providers missing from the map
// get DefaultUnknownConcurrency on first use. tenantInflight <= 0 disables
// the tenant gate entirely.
func NewCoordinator(concurrency map[string]int, tenantInflight int, rates *RateRegistry) *Coordinator {
	if rates == nil {
		rates = NewRateRegistry(nil)
	}
	c := &Coordinator{
		concurrency:  make(map[string]int, len(concurrency)),
		providerSems: make(map[string]*semaphore.Weighted),
		tenantSems:   make(map[tenantKey]*semaphore.Weighted),
		tenantLimit:  int64(tenantInflight),
		rates:        rates,
	}
	for name, n := range concurrency {
		c.concurrency[name] = n
	}
	return c
}

// Acquire blocks until the request may proceed and returns the release
// function. Release is idempotent and must be called exactly when the
// request finishes, success or not.
func (c *Coordinator) Acquire(ctx context.Context, provider, tenantID string) (func(), error) {
	c.queued.Add(1)
	defer c.queued.Add(-1)

	pSem := c.providerSem(provider)
	if err := pSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var tSem *semaphore.Weighted
	if c.tenantLimit > 0 {
		tSem = c.tenantSem(provider, tenantID)
		if err := tSem.Acquire(ctx, 1); err != nil {
			pSem.Release(1)
			return nil, err
		}
	}
	if err := c.rates.Acquire(ctx, provider); err != nil {
		if tSem != nil {
			tSem.Release(1)
		}
		pSem.Release(1)
		return nil, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if tSem != nil {
				tSem.Release(1)
			}
			pSem.Release(1)
		})
	}
	return release, nil
}

// QueueDepth reports how many callers are currently waiting inside Acquire.
// Exposed as a gauge by the telemetry package.
func (c *Coordinator) QueueDepth() int64 {
	return c.queued.Load()
}

// Rates exposes the rate registry so status handlers can snapshot it.
func (c *Coordinator) Rates() *RateRegistry {
	return c.rates
}

func (c *Coordinator) providerSem(provider string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sem, ok := c.providerSems[provider]; ok {
		return sem
	}
	n, ok := c.concurrency[provider]
	if !ok || n <= 0 {
		n = DefaultUnknownConcurrency
	}
	sem := semaphore.NewWeighted(int64(n))
	c.providerSems[provider] = sem
	return sem
}

func (c *Coordinator) tenantSem(provider, tenantID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := tenantKey{provider: provider, tenant: tenantID}
	if sem, ok := c.tenantSems[key]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(c.tenantLimit)
	c.tenantSems[key] = sem
	return sem
}
