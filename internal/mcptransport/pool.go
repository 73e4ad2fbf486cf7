package mcptransport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/pkg/core"
)

const (
	defaultMaxInflightPerServer = 8
	handshakeTimeout = 10 * time.Second
	defaultCallTimeout = 30 * time.Second
	maxRedialInterval = 2 * time.Minute
	watchSweepInterval = 15 * time.Second
	breakerGraceWindow = 2 * time.Minute
)

// EventSink receives lifecycle/error events for the Observability Bus.
type EventSink interface {
	RecordEvent(category string, severity string, payload map[string]any)
	UpdateComponentHealth(componentID string, status string, lastErr string, details map[string]any)
}

// entry is one configured MCP server's live state: its connection (if any),
// lifecycle state, per-server semaphore, and dedicated breaker.
type entry struct {
	cfg core.MCPServerConfig
	sem *semaphore.Weighted
	brk *breaker.Breaker

	mu         sync.Mutex
	c          conn
	state      core.MCPServerState
	tools      []core.ToolDescriptor
	bo         *backoff.ExponentialBackOff
	nextRetry  time.Time
	graceUntil time.Time // while the breaker is open, last-known tools stay cataloged until this elapses
}

// Manager is the MCP Transport Layer's connection pool. One Manager instance owns every configured server's
// connection for the lifetime of the Runner process.
type Manager struct {
	breakers *breaker.Registry
	sink     EventSink

	mu      sync.RWMutex
	servers map[string]*entry
}

// NewManager constructs an empty Manager. Call Reconcile with a Config
// Store snapshot's MCPServers to populate it.
func NewManager(breakers *breaker.Registry, sink EventSink) *Manager {
	return &Manager{breakers: breakers, sink: sink, servers: make(map[string]*entry)}
}

// Reconcile brings the Manager's server set in line with cfgs: new servers
// are discovered, removed servers are closed, existing servers whose
// config changed are redialed. Called once at startup and again on every
// Config Store reload.
func (m *Manager) Reconcile(ctx context.Context, cfgs []core.MCPServerConfig) {
	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.ID] = true
		if cfg.Disabled {
			m.disable(cfg.ID)
			continue
		}
		m.upsert(ctx, cfg)
	}

	m.mu.Lock()
	var stale []string
	for id := range m.servers {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.remove(id)
	}
}

func (m *Manager) disable(id string) {
	m.mu.Lock()
	e, ok := m.servers[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.c != nil {
		_ = e.c.Close()
		e.c = nil
	}
	e.state = core.ServerDisabled
	e.tools = nil
	e.mu.Unlock()
	m.reportHealth(id, core.ServerDisabled, "")
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	e, ok := m.servers[id]
	delete(m.servers, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.c != nil {
		_ = e.c.Close()
	}
	e.mu.Unlock()
}

func (m *Manager) upsert(ctx context.Context, cfg core.MCPServerConfig) {
	m.mu.Lock()
	e, ok := m.servers[cfg.ID]
	if !ok {
		e = &entry{cfg: cfg, sem: semaphore.NewWeighted(defaultMaxInflightPerServer), state: core.ServerUnknown}
		e.brk = m.breakers.For(cfg.ID)
		m.servers[cfg.ID] = e
	}
	m.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.cfg = cfg
		e.mu.Unlock()
	}

	m.discover(ctx, e)
}

// discover performs the discover→handshake→ready lifecycle. Failures set state=degraded rather than removing the entry, so a
// later reconcile or the Watch sweep can recover it.
func (m *Manager) discover(ctx context.Context, e *entry) {
	e.mu.Lock()
	e.state = core.ServerDiscovering
	e.mu.Unlock()
	m.reportHealth(e.cfg.ID, core.ServerDiscovering, "")

	hctx, cancel := withDeadline(ctx, handshakeTimeout)
	defer cancel()

	c, err := dial(hctx, e.cfg)
	if err != nil {
		m.markDegraded(e, err)
		return
	}

	tools, err := c.ListTools(hctx)
	if err != nil {
		_ = c.Close()
		m.markDegraded(e, err)
		return
	}
	for i := range tools {
		if tools[i].CategoryTag == "" {
			tools[i].CategoryTag = e.cfg.Category
		}
	}

	e.mu.Lock()
	if e.c != nil {
		_ = e.c.Close()
	}
	e.c = c
	e.tools = tools
	e.state = core.ServerReady
	e.bo = nil
	e.nextRetry = time.Time{}
	e.mu.Unlock()
	m.reportHealth(e.cfg.ID, core.ServerReady, "")
}

// markDegraded flips the entry to degraded and schedules its next redial
// attempt on an exponential backoff capped at maxRedialInterval, covering
// crashed stdio children and dropped persistent connections alike.
func (m *Manager) markDegraded(e *entry, cause error) {
	e.mu.Lock()
	e.state = core.ServerDegraded
	if e.bo == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = watchSweepInterval
		bo.MaxInterval = maxRedialInterval
		bo.MaxElapsedTime = 0
		e.bo = bo
	}
	e.nextRetry = time.Now().Add(e.bo.NextBackOff())
	e.mu.Unlock()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.reportHealth(e.cfg.ID, core.ServerDegraded, msg)
}

// Watch periodically redials degraded servers until ctx is cancelled. After
// any sweep that brought at least one server back to ready, onReady is
// invoked so the owner can republish the Tool Catalog.
func (m *Manager) Watch(ctx context.Context, onReady func()) {
	ticker := time.NewTicker(watchSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		entries := make([]*entry, 0, len(m.servers))
		for _, e := range m.servers {
			entries = append(entries, e)
		}
		m.mu.RUnlock()

		recovered := false
		for _, e := range entries {
			e.mu.Lock()
			due := e.state == core.ServerDegraded && !time.Now().Before(e.nextRetry)
			e.mu.Unlock()
			if !due {
				continue
			}
			m.discover(ctx, e)
			e.mu.Lock()
			if e.state == core.ServerReady {
				recovered = true
			}
			e.mu.Unlock()
		}
		if recovered && onReady != nil {
			onReady()
		}
	}
}

func (m *Manager) reportHealth(id string, state core.MCPServerState, lastErr string) {
	if m.sink == nil {
		return
	}
	status := "healthy"
	switch state {
	case core.ServerDegraded:
		status = "degraded"
	case core.ServerDisabled:
		status = "unhealthy"
	}
	m.sink.UpdateComponentHealth("mcp:"+id, status, lastErr, map[string]any{"state": string(state)})
}

// Tools returns the union of tool descriptors feeding the Tool Catalog: a
// server contributes while it is ready, and a server whose breaker is open
// keeps its last-known descriptors cataloged for a grace window so one
// burst of failures doesn't instantly strip it from every menu. A server
// that is neither ready nor inside the grace window contributes nothing.
func (m *Manager) Tools() []core.ToolDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []core.ToolDescriptor
	for _, e := range m.servers {
		e.mu.Lock()
		switch {
		case e.state == core.ServerReady:
			e.graceUntil = time.Time{}
			out = append(out, e.tools...)
		case e.brk.State() == breaker.StateOpen && len(e.tools) > 0 && e.state != core.ServerDisabled:
			if e.graceUntil.IsZero() {
				e.graceUntil = now.Add(breakerGraceWindow)
			}
			if now.Before(e.graceUntil) {
				out = append(out, e.tools...)
			}
		}
		e.mu.Unlock()
	}
	return out
}

// ServerStates returns a snapshot of every server's current lifecycle
// state, for the Runner's roster endpoint.
func (m *Manager) ServerStates() map[string]core.MCPServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.MCPServerState, len(m.servers))
	for id, e := range m.servers {
		e.mu.Lock()
		out[id] = e.state
		e.mu.Unlock()
	}
	return out
}

// Invoke is the normalized call contract:
// invoke(server_id, tool_name, args, deadline) → result | error. It
// enforces the breaker, the per-server semaphore, and the request deadline
// before ever touching the wire.
func (m *Manager) Invoke(ctx context.Context, serverID, tool string, args map[string]any, deadline time.Time) (*ToolResult, error) {
	m.mu.RLock()
	e, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, newErr(serverID, ErrProtocol, fmt.Errorf("unknown server"))
	}

	e.mu.Lock()
	state := e.state
	c := e.c
	e.mu.Unlock()

	if state == core.ServerDisabled {
		return nil, newErr(serverID, ErrDisabled, nil)
	}
	if !e.brk.Allow() {
		return nil, newErr(serverID, ErrUnreachable, fmt.Errorf("breaker open"))
	}
	if c == nil {
		e.brk.RecordFailure()
		return nil, newErr(serverID, ErrUnreachable, fmt.Errorf("server not connected"))
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		callCtx, cancel = context.WithDeadline(ctx, minTime(deadline, time.Now().Add(defaultCallTimeout)))
	} else {
		callCtx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
	}
	defer cancel()

	if err := e.sem.Acquire(callCtx, 1); err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, newErr(serverID, ErrTimeout, err)
		}
		return nil, newErr(serverID, ErrCancelled, err)
	}
	defer e.sem.Release(1)

	result, err := c.CallTool(callCtx, tool, args)
	kind := classify(err)
	if kind.FeedsBreaker() {
		e.brk.RecordFailure()
		if kind == ErrUnreachable {
			// likely a dead connection or crashed child; hand the entry to
			// the Watch sweep for a backed-off redial
			m.markDegraded(e, err)
		}
	} else if err == nil {
		e.brk.RecordSuccess()
	}
	return result, err
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

// Shutdown closes every server connection in deterministic order.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		m.mu.RLock()
		e := m.servers[id]
		m.mu.RUnlock()
		e.mu.Lock()
		if e.c != nil {
			_ = e.c.Close()
			e.c = nil
		}
		e.state = core.ServerUnknown
		e.mu.Unlock()
	}
}
