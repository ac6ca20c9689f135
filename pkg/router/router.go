package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jllopis/escriba/pkg/core"
	"github.com/jllopis/escriba/pkg/errors"
	"github.com/jllopis/escriba/pkg/format"
	"github.com/jllopis/escriba/pkg/llm"
	"github.com/jllopis/escriba/pkg/resilience"
	"github.com/jllopis/escriba/pkg/telemetry"
)

// Result statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Selection modes.
const (
	ModeAuto  = "auto"
	ModeFixed = "fixed"
)

// DefaultGenerationTimeout bounds a single provider call.
const DefaultGenerationTimeout = 45 * time.Second

// Request is one routed LLM call.
type Request struct {
	Phase       string
	Prompt      string
	Context     string
	SectionID   string
	SectionPath string
	TenantID    string
	RequestID   string

	// PreferredProvider goes first in the candidate chain.
	PreferredProvider string
	// CandidateProviders follow the preferred provider, before the phase
	// fallback chain.
	CandidateProviders []string
	// SelectionMode is auto or fixed. Fixed mode suppresses the phase
	// chain and only falls over on transient or rate-limit failures.
	SelectionMode string

	// Models maps provider name to the model for this call. Missing
	// entries use the provider's configured default.
	Models   map[string]string
	Metadata map[string]string
}

// Result is the outcome of a routed call.
type Result struct {
	Content    string
	Provider   string
	Status     string
	Incidents  []core.Incident
	RetryCount int
}

// Options carries the router's collaborators. Nil fields take defaults.
type Options struct {
	Providers         *llm.Registry
	Policies          *PolicyRegistry
	Coordinator       *resilience.Coordinator
	Breakers          *resilience.BreakerSet
	Retry             *resilience.RetryPolicy
	Metrics           *llm.Metrics
	Instruments       *telemetry.LLMMetrics
	Logger            *slog.Logger
	GenerationTimeout time.Duration
}

// Router drives the candidate chain for each call: breaker checks, resource
// gates, retries, cross-provider fallback, and the degraded local mode.
// Safe for concurrent use.
type Router struct {
	providers   *llm.Registry
	policies    *PolicyRegistry
	coord       *resilience.Coordinator
	breakers    *resilience.BreakerSet
	retry       *resilience.RetryPolicy
	metrics     *llm.Metrics
	instruments *telemetry.LLMMetrics
	logger      *slog.Logger
	timeout     time.Duration
}

// New creates a router.
func New(opts Options) *Router {
	if opts.Providers == nil {
		opts.Providers = llm.NewRegistry()
	}
	if opts.Policies == nil {
		opts.Policies = NewPolicyRegistry()
	}
	if opts.Coordinator == nil {
		opts.Coordinator = resilience.NewCoordinator(nil, 0, nil)
	}
	if opts.Breakers == nil {
		opts.Breakers = resilience.NewBreakerSet(resilience.BreakerConfig{})
	}
	if opts.Retry == nil {
		opts.Retry = resilience.NewRetryPolicy()
	}
	if opts.Metrics == nil {
		opts.Metrics = llm.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	return &Router{
		providers:   opts.Providers,
		policies:    opts.Policies,
		coord:       opts.Coordinator,
		breakers:    opts.Breakers,
		retry:       opts.Retry,
		metrics:     opts.Metrics,
		instruments: opts.Instruments,
		logger:      opts.Logger,
		timeout:     opts.GenerationTimeout,
	}
}

// Metrics returns the runtime metrics ledger the router records into.
func (r *Router) Metrics() *llm.Metrics {
	return r.metrics
}

// Breakers returns the per-provider circuit breakers.
func (r *Router) Breakers() *resilience.BreakerSet {
	return r.breakers
}

// Coordinator returns the resource coordinator.
func (r *Router) Coordinator() *resilience.Coordinator {
	return r.coord
}

// Call routes one request through the candidate chain. disabled marks
// providers excluded for the rest of the job; exhausted and auth failures
// add to it. When err is non-nil the returned result still carries the
// incidents collected along the way.
func (r *Router) Call(ctx context.Context, req Request, disabled map[string]bool) (*Result, error) {
	policy, ok := r.policies.Get(req.Phase)
	if !ok {
		return nil, errors.New(errors.ClassError, fmt.Sprintf("unknown phase %q", req.Phase), nil)
	}
	if disabled == nil {
		disabled = make(map[string]bool)
	}

	chain := resolveChain(req, policy)
	severity := incidentSeverity(policy)

	var incidents []core.Incident
	var lastErr error
	totalRetries := 0

	for idx, name := range chain {
		if name == llm.ProviderDegraded {
			if !policy.AllowDegraded || policy.Critical {
				continue
			}
			incidents = append(incidents, newIncident(req, core.SeverityWarning, core.IncidentDegraded, name,
				"sin proveedores disponibles; se aplicó limpieza local degradada"))
			r.logger.Warn("degraded local fallback",
				slog.String("requestId", req.RequestID),
				slog.String("phase", req.Phase),
				slog.String("sectionId", req.SectionID))
			return &Result{
				Content:    degradeContext(req.Context),
				Provider:   llm.ProviderDegraded,
				Status:     StatusDegraded,
				Incidents:  incidents,
				RetryCount: totalRetries,
			}, nil
		}

		provider, found := r.providers.Get(name)
		if !found || disabled[name] || !provider.Configured() {
			continue
		}

		if !r.breakers.Allow(name) {
			incidents = append(incidents, newIncident(req, core.SeverityWarning, core.IncidentCircuitOpen, name,
				"circuito abierto; proveedor omitido"))
			r.instruments.RecordBreakerState(ctx, name, string(r.breakers.For(name).State()))
			// An open circuit is a transient unavailability, so the
			// fixed-mode contingency hop applies here too.
			if req.SelectionMode == ModeFixed && idx == 0 {
				if next := nextReal(chain, idx); next != "" {
					incidents = append(incidents, newIncident(req, core.SeverityWarning, core.IncidentFixedMode, next,
						fmt.Sprintf("modo fijo: contingencia hacia %s tras circuito abierto", next)))
				}
			}
			continue
		}

		model := req.Models[name]
		bounded := boundPrompt(req, policy)
		var terminal errors.Class

		for attempt := 0; ; {
			content, latencyMs, err := r.invoke(ctx, provider, bounded, model, req.TenantID)
			if err == nil {
				r.breakers.RecordSuccess(name)
				r.metrics.RecordSuccess(name, latencyMs, bounded, content)
				tokensIn := llm.EstimateTokens(bounded)
				tokensOut := llm.EstimateTokens(content)
				r.instruments.RecordRequest(ctx, name, req.Phase, "ok", float64(latencyMs))
				r.instruments.RecordTokens(ctx, name, tokensIn, tokensOut)
				r.logger.Info("llm request completed",
					slog.String("requestId", req.RequestID),
					slog.String("provider", name),
					slog.String("model", model),
					slog.String("phase", req.Phase),
					slog.String("sectionId", req.SectionID),
					slog.Int("statusCode", 200),
					slog.Int64("latencyMs", latencyMs),
					slog.Int("tokensIn", tokensIn),
					slog.Int("tokensOut", tokensOut),
					slog.Int("retryCount", attempt),
					slog.String("tenantId", req.TenantID))
				return &Result{
					Content:    content,
					Provider:   name,
					Status:     StatusOK,
					Incidents:  incidents,
					RetryCount: totalRetries,
				}, nil
			}

			if ctx.Err() != nil || errors.IsCancellation(err) {
				return &Result{Incidents: incidents, RetryCount: totalRetries},
					errors.NewCancelled("generación cancelada", err)
			}

			class := errors.Classify(err, 0)
			retryAfter := errors.RetryAfterSeconds(err)
			terminal = class
			lastErr = err

			r.breakers.RecordFailure(name, string(class))
			r.recordFailureMetrics(name, class, err, latencyMs, retryAfter)
			r.instruments.RecordRequest(ctx, name, req.Phase, strings.ToLower(string(class)), float64(latencyMs))
			r.logFailure(req, name, model, err, class, latencyMs, attempt)
			incidents = append(incidents, newIncident(req, severity, core.IncidentProvider, name,
				fmt.Sprintf("fallo del proveedor (%s): %v", class, err)))

			if class == errors.ClassExhausted || class == errors.ClassAuth {
				disabled[name] = true
				break
			}

			if r.retry.ShouldRetry(class, attempt) {
				wait := r.retry.Backoff(attempt, retryAfter)
				incidents = append(incidents, newIncident(req, core.SeverityWarning, core.IncidentRetry, name,
					fmt.Sprintf("reintento %d tras %.1fs (%s)", attempt+1, wait.Seconds(), class)))
				r.instruments.RecordRetry(ctx, name, class)
				if serr := resilience.SleepChunked(ctx, wait); serr != nil {
					return &Result{Incidents: incidents, RetryCount: totalRetries},
						errors.NewCancelled("generación cancelada durante la espera", serr)
				}
				attempt++
				totalRetries++
				continue
			}
			break
		}

		// Fixed mode only tolerates transient or rate-limit failures of the
		// primary before giving up on the chain.
		if req.SelectionMode == ModeFixed && idx == 0 {
			if terminal != errors.ClassTransient && terminal != errors.ClassRateLimited {
				return &Result{Incidents: incidents, RetryCount: totalRetries}, lastErr
			}
			if next := nextReal(chain, idx); next != "" {
				incidents = append(incidents, newIncident(req, core.SeverityWarning, core.IncidentFixedMode, next,
					fmt.Sprintf("modo fijo: contingencia hacia %s tras %s", next, terminal)))
			}
		}
	}

	if lastErr != nil {
		return &Result{Incidents: incidents, RetryCount: totalRetries}, lastErr
	}
	return &Result{Incidents: incidents, RetryCount: totalRetries}, errors.ErrNoProvider
}

// invoke acquires the resource gates and performs one provider call under
// the generation timeout. The returned latency covers only the call.
func (r *Router) invoke(ctx context.Context, provider llm.Provider, prompt, model, tenantID string) (string, int64, error) {
	release, err := r.coord.Acquire(ctx, provider.Name(), tenantID)
	if err != nil {
		return "", 0, errors.NewCancelled("espera de recursos cancelada", err)
	}
	defer release()

	start := time.Now()
	var content string
	err = resilience.CallWithTimeout(ctx, r.timeout, func(cctx context.Context) error {
		out, gerr := provider.Generate(cctx, llm.GenerateRequest{Prompt: prompt, Model: model, Timeout: r.timeout})
		content = out
		return gerr
	})
	return content, time.Since(start).Milliseconds(), err
}

func (r *Router) recordFailureMetrics(name string, class errors.Class, err error, latencyMs int64, retryAfter float64) {
	msg := err.Error()
	switch class {
	case errors.ClassRateLimited:
		r.metrics.RecordRateLimited(name, retryAfter, msg)
	case errors.ClassExhausted:
		r.metrics.RecordExhausted(name, msg)
	default:
		r.metrics.RecordError(name, msg, latencyMs, llm.KindForClass(class))
	}
}

func (r *Router) logFailure(req Request, name, model string, err error, class errors.Class, latencyMs int64, attempt int) {
	attrs := []any{
		slog.String("requestId", req.RequestID),
		slog.String("provider", name),
		slog.String("model", model),
		slog.String("phase", req.Phase),
		slog.String("sectionId", req.SectionID),
		slog.String("class", string(class)),
		slog.Int64("latencyMs", latencyMs),
		slog.Int("retryCount", attempt),
		slog.String("tenantId", req.TenantID),
		slog.String("error", err.Error()),
	}
	if te, ok := errors.As(err); ok && te.StatusCode != 0 {
		attrs = append(attrs, slog.Int("statusCode", te.StatusCode))
	}
	r.logger.Warn("llm request failed", attrs...)
}

// resolveChain merges the preferred provider, the request candidates, and
// (auto mode only) the phase fallback chain, deduplicated and lowercased.
// Degradable phases always end with the degraded sentinel.
func resolveChain(req Request, policy PhasePolicy) []string {
	merged := make([]string, 0, 2+len(req.CandidateProviders)+len(policy.FallbackChain))
	merged = append(merged, req.PreferredProvider)
	merged = append(merged, req.CandidateProviders...)
	if req.SelectionMode != ModeFixed {
		merged = append(merged, policy.FallbackChain...)
	}

	seen := make(map[string]bool, len(merged))
	var chain []string
	for _, name := range merged {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		chain = append(chain, name)
	}
	if policy.AllowDegraded && !seen[llm.ProviderDegraded] {
		chain = append(chain, llm.ProviderDegraded)
	}
	return chain
}

// nextReal returns the next non-sentinel candidate after idx, or empty.
func nextReal(chain []string, idx int) string {
	for _, name := range chain[idx+1:] {
		if name != llm.ProviderDegraded {
			return name
		}
	}
	return ""
}

// boundPrompt concatenates prompt and context and truncates the result to
// the phase input budget, never below 400 characters.
func boundPrompt(req Request, policy PhasePolicy) string {
	prompt := req.Prompt
	if req.Context != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += req.Context
	}
	budget := policy.MaxInputTokens - policy.MaxOutputTokens
	if budget <= 0 {
		return prompt
	}
	if llm.EstimateTokens(prompt) <= budget {
		return prompt
	}
	limit := budget * 4
	if limit < 400 {
		limit = 400
	}
	runes := []rune(prompt)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

// incidentSeverity: critical phases record warnings because their terminal
// failure raises; non-critical failures are absorbed, so the incident is
// recorded as an error.
func incidentSeverity(p PhasePolicy) string {
	if p.Critical {
		return core.SeverityWarning
	}
	return core.SeverityError
}

func newIncident(req Request, severity, kind, provider, message string) core.Incident {
	return core.Incident{
		Timestamp:   time.Now().UTC(),
		Severity:    severity,
		Phase:       req.Phase,
		Provider:    provider,
		Message:     message,
		SectionID:   req.SectionID,
		SectionPath: req.SectionPath,
		Kind:        kind,
	}
}

var (
	bulletLeaderRe = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+`)

	degradedForbidden = []string{
		"figura de ejemplo",
		"tabla de ejemplo",
		"titulo del proyecto",
		"lorem ipsum",
	}
)

// degradeContext applies the local-only cleanup used by the degraded mode:
// markdown fences, pipe tables, bullet leaders, and forbidden placeholder
// tokens are removed. Never calls a provider.
func degradeContext(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if strings.Count(trimmed, "|") >= 2 {
			continue
		}
		line = strings.ReplaceAll(line, "|", " ")
		line = bulletLeaderRe.ReplaceAllString(line, "")
		if containsForbidden(line) {
			continue
		}
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func containsForbidden(line string) bool {
	norm := format.Normalize(line)
	for _, phrase := range degradedForbidden {
		if strings.Contains(norm, phrase) {
			return true
		}
	}
	return false
}
