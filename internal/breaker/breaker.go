// Package breaker is the Circuit Breaker Registry: one
// finite-state machine per target (provider ID or MCP server ID), each
// mutated only through this API, so transitions serialize per target
// instead of racing across concurrent callers.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker. Zero values are replaced with defaults by
// NewRegistry.
type Config struct {
	FailureThreshold         int
	HalfOpenSuccessThreshold int
	BaseCooldown             time.Duration
	MaxCooldown              time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = 3
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	return c
}

// EventSink receives breaker transition events for the Observability Bus.
// A minimal interface instead of a concrete *observe.Bus import keeps this
// package free of a dependency on the observe package's full surface.
type EventSink interface {
	RecordEvent(category string, severity string, payload map[string]any)
}

// Breaker is a single target's state machine. The cooldown doubles
// (capped) on repeated half-open failure instead of resetting to the base
// cooldown every time.
type Breaker struct {
	target string
	cfg    Config
	sink   EventSink

	mu              sync.Mutex
	state           State
	consecutiveFail int
	cooldown        time.Duration
	cooldownUntil   time.Time
	halfOpenCalls   int
	halfOpenSuccess int
}

func newBreaker(target string, cfg Config, sink EventSink) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{target: target, cfg: cfg, sink: sink, state: StateClosed, cooldown: cfg.BaseCooldown}
}

// Allow reports whether a call to the target may proceed right now,
// performing the open→half-open transition as a side effect when the
// cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.cooldownUntil) {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccess = 0
		return true
	case StateHalfOpen:
		// Admit probe calls without an explicit cap on concurrent probes;
		// the success/failure counters alone drive the next transition.
		b.halfOpenCalls++
		return true
	default:
		return true
	}
}

// RecordSuccess accounts for a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenSuccessThreshold {
			b.cooldown = b.cfg.BaseCooldown
			b.transition(StateClosed)
			b.consecutiveFail = 0
		}
	case StateClosed:
		b.consecutiveFail = 0
	}
}

// RecordFailure accounts for a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Any half-open failure reopens, with a doubled (capped) cooldown.
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.cooldownUntil = time.Now().Add(b.cooldown)
		b.transition(StateOpen)
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.cooldownUntil = time.Now().Add(b.cooldown)
			b.transition(StateOpen)
		}
	}
}

// State returns the breaker's current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CooldownDeadline returns the instant the breaker may move to half-open,
// the zero Time if not open.
func (b *Breaker) CooldownDeadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.cooldownUntil
}

// Reset is the administrative override: unconditionally returns to
// closed and zeroes counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.cooldown = b.cfg.BaseCooldown
	b.halfOpenCalls = 0
	b.halfOpenSuccess = 0
}

// transition must be called with b.mu held; it logs and emits an
// observability event for every state change.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	log.Warn().Str("target", b.target).Str("from", from.String()).Str("to", to.String()).Msg("breaker state transition")
	if b.sink != nil {
		b.sink.RecordEvent("breaker_transition", "warn", map[string]any{
			"target": b.target, "from": from.String(), "to": to.String(),
		})
	}
}

// Registry is the per-target collection of breakers. It lazily creates a
// Breaker with cfg on first reference to a target.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	sink     EventSink
}

// NewRegistry constructs a Registry. sink may be nil in tests.
func NewRegistry(cfg Config, sink EventSink) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg, sink: sink}
}

// For returns (creating if necessary) the Breaker for target.
func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = newBreaker(target, r.cfg, r.sink)
		r.breakers[target] = b
	}
	return b
}

// Reset resets the named breaker if the registry has one, reporting whether
// it did. Idempotent: resetting an already-closed breaker changes nothing.
func (r *Registry) Reset(target string) bool {
	r.mu.Lock()
	b, ok := r.breakers[target]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Summary is a read-only view used by /admin/system-status and /metrics.
type Summary struct {
	Target string `json:"target"`
	State  string `json:"state"`
}

// Snapshot returns the state of every breaker the registry has created.
func (r *Registry) Snapshot() []Summary {
	r.mu.Lock()
	targets := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for t, b := range r.breakers {
		targets = append(targets, t)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Summary, len(targets))
	for i, t := range targets {
		out[i] = Summary{Target: t, State: breakers[i].State().String()}
	}
	return out
}
