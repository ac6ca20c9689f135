package llm

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry holds the constructed provider clients keyed by canonical name.
// Registration order is preserved for payloads and chains.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its name.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.providers[name]; !ok {
		r.order = append(r.order, name)
	}
	r.providers[name] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProbeAll probes every registered provider concurrently, records each
// result in metrics, and returns the results by provider name.
// Unconfigured providers report UNVERIFIED without a network call.
func ProbeAll(ctx context.Context, reg *Registry, metrics *Metrics, timeout time.Duration) map[string]ProbeResult {
	names := reg.Names()
	results := make([]ProbeResult, len(names))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			p, ok := reg.Get(name)
			if !ok {
				return nil
			}
			if !p.Configured() {
				results[i] = ProbeResult{Status: ProbeUnverified, Detail: "sin credenciales configuradas"}
				return nil
			}
			pctx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			results[i] = p.Probe(pctx, "")
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ProbeResult, len(names))
	for i, name := range names {
		out[name] = results[i]
		if metrics != nil {
			metrics.RecordProbe(name, results[i])
		}
	}
	return out
}

// StatusRequest names the active selection and per-provider models the
// payload reflects.
type StatusRequest struct {
	Provider         string
	Model            string
	FallbackProvider string
	FallbackModel    string
	Mode             string
	// Models maps provider name to its active model string.
	Models map[string]string
}

// StatusPayload is the providers status document served to callers.
type StatusPayload struct {
	SelectedProvider string           `json:"selectedProvider"`
	SelectedModel    string           `json:"selectedModel"`
	FallbackProvider string           `json:"fallbackProvider,omitempty"`
	FallbackModel    string           `json:"fallbackModel,omitempty"`
	Mode             string           `json:"mode"`
	Providers        []ProviderStatus `json:"providers"`
}

// BuildStatus assembles the full providers status payload from the current
// metrics. Call ProbeAll first for fresh probe snapshots.
func BuildStatus(req StatusRequest, reg *Registry, metrics *Metrics) StatusPayload {
	payload := StatusPayload{
		SelectedProvider: req.Provider,
		SelectedModel:    req.Model,
		FallbackProvider: req.FallbackProvider,
		FallbackModel:    req.FallbackModel,
		Mode:             req.Mode,
	}
	for _, name := range reg.Names() {
		p, ok := reg.Get(name)
		if !ok {
			continue
		}
		model := req.Models[name]
		payload.Providers = append(payload.Providers, metrics.Payload(name, model, p.Configured()))
	}
	return payload
}
