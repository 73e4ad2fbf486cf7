// Package budget is the Budget Ledger: tracks remote-provider spend against a configured limit
// with monotone, compare-and-swap increments, and supports admitting calls
// when the ledger backend itself is unhealthy and fail_open_policy is set.
package budget

import (
	"sync/atomic"
	"time"
)

// state is the immutable value swapped atomically on every spend.
type state struct {
	periodStart time.Time
	spendUnits  float64
	limitUnits  float64
}

// EventSink receives policy-bypass events for the Observability Bus.
type EventSink interface {
	RecordEvent(category string, severity string, payload map[string]any)
}

// Ledger is the Budget Ledger. ledgerHealthy tracks whether the ledger's
// own backend (here, purely in-memory, so normally always healthy; the
// flag exists so a future durable backend can report its own outages
// without changing this API) is serving correctly.
type Ledger struct {
	ptr            atomic.Pointer[state]
	failOpenPolicy atomic.Bool
	ledgerHealthy  atomic.Bool
	sink           EventSink
}

// NewLedger constructs a Ledger with the given period limit and policy.
func NewLedger(limitUnits float64, failOpenPolicy bool, sink EventSink) *Ledger {
	l := &Ledger{sink: sink}
	l.failOpenPolicy.Store(failOpenPolicy)
	l.ledgerHealthy.Store(true)
	l.ptr.Store(&state{periodStart: time.Now(), spendUnits: 0, limitUnits: limitUnits})
	return l
}

// Admit decides whether a call estimated to cost estimateUnits may proceed.
// Returns (admitted, bypassed) — bypassed is true iff admission happened
// only because fail_open_policy papered over a ledger failure, which the
// caller must log as a budget_bypass event.
func (l *Ledger) Admit(estimateUnits float64) (admitted bool, bypassed bool) {
	if !l.ledgerHealthy.Load() {
		if l.failOpenPolicy.Load() {
			if l.sink != nil {
				l.sink.RecordEvent("budget_bypass", "warn", map[string]any{
					"reason": "ledger_unhealthy", "estimate_units": estimateUnits,
				})
			}
			return true, true
		}
		return false, false
	}

	for {
		cur := l.ptr.Load()
		if cur.spendUnits+estimateUnits > cur.limitUnits {
			return false, false
		}
		next := &state{periodStart: cur.periodStart, spendUnits: cur.spendUnits + estimateUnits, limitUnits: cur.limitUnits}
		if l.ptr.CompareAndSwap(cur, next) {
			return true, false
		}
		// lost the race against a concurrent spend; retry with the fresh value
	}
}

// Record adds an after-the-fact spend (e.g. the actual cost once a response
// completes, which may differ from the pre-call estimate already admitted).
// Never fails; the running total only ever moves forward.
func (l *Ledger) Record(deltaUnits float64) {
	if deltaUnits <= 0 {
		return
	}
	for {
		cur := l.ptr.Load()
		next := &state{periodStart: cur.periodStart, spendUnits: cur.spendUnits + deltaUnits, limitUnits: cur.limitUnits}
		if l.ptr.CompareAndSwap(cur, next) {
			return
		}
	}
}

// SetHealthy lets the owning component report the ledger backend's own
// health (always true for the in-memory implementation; reserved for a
// future durable backend).
func (l *Ledger) SetHealthy(healthy bool) {
	l.ledgerHealthy.Store(healthy)
}

// Snapshot is a read-only view for /admin/system-status and /metrics.
type Snapshot struct {
	PeriodStart time.Time `json:"period_start"`
	SpendUnits  float64   `json:"spend_units"`
	LimitUnits  float64   `json:"limit_units"`
}

func (l *Ledger) Snapshot() Snapshot {
	s := l.ptr.Load()
	return Snapshot{PeriodStart: s.periodStart, SpendUnits: s.spendUnits, LimitUnits: s.limitUnits}
}

// ResetPeriod starts a fresh accounting period with spend reset to zero,
// keeping the same limit. Intended for a scheduled daily rollover.
func (l *Ledger) ResetPeriod() {
	cur := l.ptr.Load()
	l.ptr.Store(&state{periodStart: time.Now(), spendUnits: 0, limitUnits: cur.limitUnits})
}
