package providerrouter

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/budget"
	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/pkg/core"
)

// EventSink receives routing/fallback/budget events for the Observability Bus.
type EventSink interface {
	RecordEvent(category string, severity string, payload map[string]any)
	UpdateComponentHealth(componentID string, status string, lastErr string, details map[string]any)
}

// Registry is the Provider Registry: one Driver per provider kind plus
// the ordering, breaker-gate, budget-gate, and fallback-on-transient-error
// policy that turns a raw driver call into the governed chat contract.
type Registry struct {
	breakers *breaker.Registry
	ledger   *budget.Ledger
	sink     EventSink

	mu      sync.RWMutex
	drivers map[string]Driver

	latMu       sync.Mutex
	latenciesMs map[string]int64 // exponential moving average per provider ID
}

// NewRegistry constructs a Registry with the built-in drivers registered:
// openai, anthropic, ollama, and local — "ollama" and "local" reuse the
// OpenAI-compatible wire shape against a different base URL.
func NewRegistry(client *http.Client, breakers *breaker.Registry, ledger *budget.Ledger, sink EventSink) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	r := &Registry{
		breakers:    breakers,
		ledger:      ledger,
		sink:        sink,
		drivers:     make(map[string]Driver),
		latenciesMs: make(map[string]int64),
	}
	r.Register(newOpenAIDriver("openai", client))
	r.Register(newOpenAIDriver("ollama", client))
	r.Register(newOpenAIDriver("local", client))
	r.Register(newAnthropicDriver(client))
	return r
}

// Register installs or replaces the driver for Kind(). Exported so
// additional drivers (e.g. litellm) can be wired without modifying this
// package.
func (r *Registry) Register(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

func (r *Registry) driverFor(kind string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	return d, ok
}

// candidateProviders filters snap.Providers to those serving req.ModelSpec
// (when set) and orders them default-first then by ID — deliberately the
// only ordering offered, with no cost/latency/round-robin strategies
// layered on top.
func candidateProviders(snap *config.Snapshot, modelSpec string) []core.ProviderConfig {
	all := snap.Providers
	if modelSpec != "" {
		var filtered []core.ProviderConfig
		for _, p := range all {
			for _, m := range p.SupportedModels {
				if m == modelSpec {
					filtered = append(filtered, p)
					break
				}
			}
		}
		if len(filtered) > 0 {
			all = filtered
		}
	}
	ordered := make([]core.ProviderConfig, len(all))
	copy(ordered, all)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].IsDefault != ordered[j].IsDefault {
			return ordered[i].IsDefault
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

// admitBudget applies the budget gate: before dispatching to a remote
// provider, the ledger is consulted — local providers bypass the ledger
// entirely.
func (r *Registry) admitBudget(provider core.ProviderConfig) (bool, error) {
	if provider.Kind != core.ProviderRemote || r.ledger == nil {
		return true, nil
	}
	estimate := provider.RateBudgetUnits
	if estimate <= 0 {
		estimate = 1
	}
	admitted, bypassed := r.ledger.Admit(estimate)
	if bypassed && r.sink != nil {
		r.sink.RecordEvent("budget_bypass", "warn", map[string]any{"provider": provider.ID})
	}
	if !admitted {
		return false, fmt.Errorf("budget exceeded for provider %s", provider.ID)
	}
	return true, nil
}

func (r *Registry) recordLatency(providerID string, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	r.latMu.Lock()
	defer r.latMu.Unlock()
	prev := r.latenciesMs[providerID]
	if prev == 0 {
		r.latenciesMs[providerID] = ms
	} else {
		r.latenciesMs[providerID] = (prev*7 + ms*3) / 10
	}
}

// trackCost folds a completed call's usage into the Budget Ledger's actual
// spend, distinct from the pre-call estimate Admit already reserved.
func (r *Registry) trackCost(provider core.ProviderConfig, usage core.Usage) {
	if provider.Kind != core.ProviderRemote || r.ledger == nil || usage.TotalTokens == 0 {
		return
	}
	ratePerUnit := provider.RateBudgetUnits
	if ratePerUnit <= 0 {
		return
	}
	actual := float64(usage.TotalTokens) / 1000 * ratePerUnit
	r.ledger.Record(actual)
}

// Call performs one non-streaming completion, trying candidate providers in
// order and falling back to the next on a TransientError.
func (r *Registry) Call(ctx context.Context, snap *config.Snapshot, req core.Request, opts Options) (CallResult, string, error) {
	ordered := candidateProviders(snap, req.ModelSpec)
	if len(ordered) == 0 {
		return CallResult{}, "", fmt.Errorf("no providers configured for model %q", req.ModelSpec)
	}

	result, providerID, err := r.tryProviders(ctx, ordered, req, opts)
	if err == nil {
		return result, providerID, nil
	}
	if !req.AllowFallback || snap.LocalFallbackModel == "" {
		return CallResult{}, "", err
	}

	fallbackReq := req
	fallbackReq.ModelSpec = snap.LocalFallbackModel
	fallbackOpts := opts
	fallbackOpts.Tools = nil // the fallback call drops the tool set entirely
	fbOrdered := candidateProviders(snap, snap.LocalFallbackModel)
	if len(fbOrdered) == 0 {
		return CallResult{}, "", fmt.Errorf("all providers failed and no fallback provider serves %q: %w", snap.LocalFallbackModel, err)
	}
	if r.sink != nil {
		r.sink.RecordEvent("provider_fallback", "warn", map[string]any{"original_model": req.ModelSpec, "fallback_model": snap.LocalFallbackModel})
	}
	result, providerID, fbErr := r.tryProviders(ctx, fbOrdered, fallbackReq, fallbackOpts)
	if fbErr != nil {
		return CallResult{}, "", fmt.Errorf("all providers failed, fallback also failed: %w", fbErr)
	}
	return result, providerID, nil
}

func (r *Registry) tryProviders(ctx context.Context, providers []core.ProviderConfig, req core.Request, opts Options) (CallResult, string, error) {
	var lastErr error
	for _, provider := range providers {
		driver, ok := r.driverFor(provider.Driver)
		if !ok {
			lastErr = fmt.Errorf("no driver registered for %q", provider.Driver)
			continue
		}
		brk := r.breakers.For(provider.ID)
		if !brk.Allow() {
			lastErr = fmt.Errorf("provider %s: breaker open", provider.ID)
			continue
		}
		if ok, err := r.admitBudget(provider); !ok {
			lastErr = err
			continue
		}

		providerReq := req
		start := time.Now()
		result, err := driver.Call(ctx, provider, providerReq, opts)
		if err != nil {
			if isTransient(err) {
				brk.RecordFailure()
			}
			log.Warn().Str("provider", provider.ID).Err(err).Msg("provider call failed, trying next")
			lastErr = err
			continue
		}
		brk.RecordSuccess()
		r.recordLatency(provider.ID, time.Since(start))
		r.trackCost(provider, result.Usage)
		return result, provider.ID, nil
	}
	return CallResult{}, "", fmt.Errorf("all providers exhausted: %w", lastErr)
}

// StreamCall performs one streaming completion with the same ordering,
// gating, and fallback policy as Call. The fallback retry only happens if
// the failure occurs before any core.EventDelta has been emitted — once
// content has reached the caller, switching providers mid-stream would
// silently duplicate or corrupt output, so failures past first-token are
// terminal.
func (r *Registry) StreamCall(ctx context.Context, snap *config.Snapshot, req core.Request, opts Options, emit func(core.StreamEvent) error) error {
	ordered := candidateProviders(snap, req.ModelSpec)
	if len(ordered) == 0 {
		return fmt.Errorf("no providers configured for model %q", req.ModelSpec)
	}

	started, err := r.tryStreamProviders(ctx, ordered, req, opts, emit)
	if err == nil {
		return nil
	}
	if started || !req.AllowFallback || snap.LocalFallbackModel == "" {
		return err
	}

	fbOrdered := candidateProviders(snap, snap.LocalFallbackModel)
	if len(fbOrdered) == 0 {
		return fmt.Errorf("all providers failed and no fallback provider serves %q: %w", snap.LocalFallbackModel, err)
	}
	fallbackReq := req
	fallbackReq.ModelSpec = snap.LocalFallbackModel
	fallbackOpts := opts
	fallbackOpts.Tools = nil
	if r.sink != nil {
		r.sink.RecordEvent("provider_fallback", "warn", map[string]any{"original_model": req.ModelSpec, "fallback_model": snap.LocalFallbackModel, "stream": true})
	}
	_, fbErr := r.tryStreamProviders(ctx, fbOrdered, fallbackReq, fallbackOpts, emit)
	if fbErr != nil {
		return fmt.Errorf("all providers failed (stream), fallback also failed: %w", fbErr)
	}
	return nil
}

// tryStreamProviders returns started=true once any provider has begun
// emitting deltas, so the caller knows a fallback retry is no longer safe.
func (r *Registry) tryStreamProviders(ctx context.Context, providers []core.ProviderConfig, req core.Request, opts Options, emit func(core.StreamEvent) error) (bool, error) {
	var lastErr error
	for _, provider := range providers {
		driver, ok := r.driverFor(provider.Driver)
		if !ok {
			lastErr = fmt.Errorf("no driver registered for %q", provider.Driver)
			continue
		}
		sd, ok := driver.(StreamingDriver)
		if !ok {
			lastErr = fmt.Errorf("driver %q does not support streaming", provider.Driver)
			continue
		}
		brk := r.breakers.For(provider.ID)
		if !brk.Allow() {
			lastErr = fmt.Errorf("provider %s: breaker open", provider.ID)
			continue
		}
		if ok, err := r.admitBudget(provider); !ok {
			lastErr = err
			continue
		}

		start := time.Now()
		started := false
		var finalUsage core.Usage
		wrapped := func(ev core.StreamEvent) error {
			if ev.Kind == core.EventDelta {
				started = true
			}
			if ev.Kind == core.EventUsage && ev.Usage != nil {
				finalUsage = *ev.Usage
			}
			return emit(ev)
		}
		err := sd.StreamCall(ctx, provider, req, opts, wrapped)
		if err != nil {
			if isTransient(err) {
				brk.RecordFailure()
			}
			log.Warn().Str("provider", provider.ID).Err(err).Msg("streaming call failed")
			if started {
				return true, err
			}
			lastErr = err
			continue
		}
		brk.RecordSuccess()
		r.recordLatency(provider.ID, time.Since(start))
		r.trackCost(provider, finalUsage)
		return true, nil
	}
	return false, fmt.Errorf("all providers exhausted: %w", lastErr)
}

func isTransient(err error) bool {
	var t *TransientError
	for err != nil {
		if e, ok := err.(*TransientError); ok {
			t = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return t != nil
}

// HealthCheck runs each configured provider's driver.HealthCheck, reporting
// into the Observability Bus and returning a per-provider-ID error map. A
// failed probe degrades that one descriptor, never unrelated providers.
func (r *Registry) HealthCheck(ctx context.Context, snap *config.Snapshot) map[string]error {
	out := make(map[string]error, len(snap.Providers))
	for _, provider := range snap.Providers {
		driver, ok := r.driverFor(provider.Driver)
		if !ok {
			out[provider.ID] = fmt.Errorf("no driver registered for %q", provider.Driver)
			continue
		}
		err := driver.HealthCheck(ctx, provider)
		out[provider.ID] = err
		status := "healthy"
		lastErr := ""
		if err != nil {
			status = "degraded"
			lastErr = err.Error()
		}
		if r.sink != nil {
			r.sink.UpdateComponentHealth("provider:"+provider.ID, status, lastErr, map[string]any{"driver": provider.Driver})
		}
	}
	return out
}

// TestProvider runs a single provider's credential test on demand (one
// HealthCheck through the provider's driver). No HTTP endpoint calls it.
func (r *Registry) TestProvider(ctx context.Context, provider core.ProviderConfig) error {
	driver, ok := r.driverFor(provider.Driver)
	if !ok {
		return fmt.Errorf("no driver registered for %q", provider.Driver)
	}
	return driver.HealthCheck(ctx, provider)
}

// DiscoverModels aggregates the statically configured model list with
// anything the provider's driver can discover live, deduplicated — backs
// GET /v1/models.
func (r *Registry) DiscoverModels(ctx context.Context, provider core.ProviderConfig) []string {
	seen := make(map[string]bool, len(provider.SupportedModels))
	out := make([]string, 0, len(provider.SupportedModels))
	for _, m := range provider.SupportedModels {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	driver, ok := r.driverFor(provider.Driver)
	if !ok {
		return out
	}
	dd, ok := driver.(ModelDiscoveryDriver)
	if !ok {
		return out
	}
	discovered, err := dd.DiscoverModels(ctx, provider)
	if err != nil {
		log.Warn().Str("provider", provider.ID).Err(err).Msg("model discovery failed, using static list")
		return out
	}
	for _, m := range discovered {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// LatencySnapshot returns the current exponential-moving-average latency
// per provider ID, for the Gateway's GET /metrics.
func (r *Registry) LatencySnapshot() map[string]int64 {
	r.latMu.Lock()
	defer r.latMu.Unlock()
	out := make(map[string]int64, len(r.latenciesMs))
	for k, v := range r.latenciesMs {
		out[k] = v
	}
	return out
}
