package mcptransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/pkg/core"
)

// fakeConn is a scripted conn for exercising Invoke without a live server.
type fakeConn struct {
	calls  int
	result *ToolResult
	err    error
}

func (f *fakeConn) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeConn) ListTools(ctx context.Context) ([]core.ToolDescriptor, error) { return nil, nil }
func (f *fakeConn) Close() error                                                 { return nil }

func newTestManager(id string, c conn, state core.MCPServerState) (*Manager, *entry) {
	m := NewManager(breaker.NewRegistry(breaker.Config{FailureThreshold: 2, BaseCooldown: time.Minute}, nil), nil)
	e := &entry{
		cfg:   core.MCPServerConfig{ID: id},
		sem:   semaphore.NewWeighted(defaultMaxInflightPerServer),
		state: state,
		c:     c,
	}
	e.brk = m.breakers.For(id)
	m.servers[id] = e
	return m, e
}

func TestInvoke_UnknownServer(t *testing.T) {
	m := NewManager(breaker.NewRegistry(breaker.Config{}, nil), nil)
	_, err := m.Invoke(context.Background(), "ghost", "tool", nil, time.Time{})
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != ErrProtocol {
		t.Fatalf("err = %v, want a Protocol transport error for an unknown server", err)
	}
}

func TestInvoke_DisabledServer(t *testing.T) {
	fc := &fakeConn{result: &ToolResult{Content: "ok"}}
	m, _ := newTestManager("off", fc, core.ServerDisabled)
	_, err := m.Invoke(context.Background(), "off", "tool", nil, time.Time{})
	var te *TransportError
	if !errors.As(err, &te) || te.Kind != ErrDisabled {
		t.Fatalf("err = %v, want Disabled", err)
	}
	if fc.calls != 0 {
		t.Fatalf("disabled server reached the wire %d times", fc.calls)
	}
}

// TestInvoke_OpenBreakerShortCircuits pins the breaker soundness property:
// while a target's breaker is open, no outbound call reaches it.
func TestInvoke_OpenBreakerShortCircuits(t *testing.T) {
	fc := &fakeConn{err: newErr("flaky", ErrUnreachable, errors.New("boom"))}
	m, e := newTestManager("flaky", fc, core.ServerReady)

	for i := 0; i < 2; i++ {
		_, _ = m.Invoke(context.Background(), "flaky", "tool", nil, time.Time{})
	}
	if e.brk.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open after threshold failures", e.brk.State())
	}

	before := fc.calls
	_, err := m.Invoke(context.Background(), "flaky", "tool", nil, time.Time{})
	if err == nil {
		t.Fatal("expected short-circuit error while breaker is open")
	}
	if fc.calls != before {
		t.Fatalf("outbound calls while open = %d, want 0", fc.calls-before)
	}
}

// Tool-level errors are observations for the model, not transport failures;
// they must not feed the breaker.
func TestInvoke_ToolErrorDoesNotFeedBreaker(t *testing.T) {
	fc := &fakeConn{err: newErr("svc", ErrToolError, errors.New("bad args"))}
	m, e := newTestManager("svc", fc, core.ServerReady)

	for i := 0; i < 5; i++ {
		_, _ = m.Invoke(context.Background(), "svc", "tool", nil, time.Time{})
	}
	if e.brk.State() != breaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed after tool-level errors only", e.brk.State())
	}
}

// TestTools_BreakerOpenGraceWindow pins the catalog-exposure invariant: a
// descriptor exists while its transport is reachable OR its breaker is
// open with the grace window still running.
func TestTools_BreakerOpenGraceWindow(t *testing.T) {
	fc := &fakeConn{err: newErr("flaky", ErrUnreachable, errors.New("boom"))}
	m, e := newTestManager("flaky", fc, core.ServerReady)
	e.tools = []core.ToolDescriptor{{CanonicalName: "mcp__flaky__probe", Server: "flaky", LocalName: "probe"}}

	if got := m.Tools(); len(got) != 1 {
		t.Fatalf("ready server tools = %d, want 1", len(got))
	}

	for i := 0; i < 2; i++ {
		_, _ = m.Invoke(context.Background(), "flaky", "probe", nil, time.Time{})
	}
	if e.brk.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", e.brk.State())
	}

	// breaker open, grace window fresh: last-known tools stay cataloged
	if got := m.Tools(); len(got) != 1 {
		t.Fatalf("tools during grace window = %d, want 1", len(got))
	}

	e.mu.Lock()
	e.graceUntil = time.Now().Add(-time.Second)
	e.mu.Unlock()
	if got := m.Tools(); len(got) != 0 {
		t.Fatalf("tools after grace elapsed = %d, want 0", len(got))
	}
}

func TestInvoke_UnreachableMarksServerDegraded(t *testing.T) {
	fc := &fakeConn{err: newErr("svc", ErrUnreachable, errors.New("pipe closed"))}
	m, e := newTestManager("svc", fc, core.ServerReady)

	_, _ = m.Invoke(context.Background(), "svc", "tool", nil, time.Time{})

	e.mu.Lock()
	state := e.state
	retryScheduled := !e.nextRetry.IsZero()
	e.mu.Unlock()
	if state != core.ServerDegraded {
		t.Fatalf("state = %v, want degraded after an unreachable call", state)
	}
	if !retryScheduled {
		t.Fatal("expected a backed-off redial to be scheduled")
	}
}
