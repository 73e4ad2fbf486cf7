package agentloop_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/router-core/internal/agentloop"
	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/pkg/core"
)

type fakeTools struct {
	calls int32
}

func (f *fakeTools) Invoke(ctx context.Context, serverID, tool string, args map[string]any, deadline time.Time) (agentloop.ToolResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return agentloop.ToolResult{Content: fmt.Sprintf("%s.%s ok", serverID, tool)}, nil
}

func sseFrame(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func newTestSnapshot(url string) *config.Snapshot {
	return &config.Snapshot{
		Version: 1,
		Providers: []core.ProviderConfig{
			{ID: "primary", Kind: core.ProviderLocal, Driver: "openai", BaseURL: url, SupportedModels: []string{"model-a"}, IsDefault: true},
		},
	}
}

func TestLoop_Run_DispatchesToolThenReturnsFinalContent(t *testing.T) {
	var turn int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		n := atomic.AddInt32(&turn, 1)
		if n == 1 {
			sseFrame(w, `{"tool_calls":[{"id":"call_0","canonical_name":"weather__get","arguments":{}}]}`)
		} else {
			sseFrame(w, "the weather is sunny")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL)
	tools := &fakeTools{}
	loop := agentloop.New(reg, tools, 5, nil)

	req := core.Request{ModelSpec: "model-a", Messages: []core.Message{{Role: core.RoleUser, Content: "what's the weather"}}}
	effective := []core.ToolDescriptor{{CanonicalName: "weather__get", Server: "weather", LocalName: "get"}}

	var deltas []string
	var sawToolStart, sawToolEnd bool
	var ended bool
	err := loop.Run(context.Background(), snap, req, effective, time.Time{}, func(ev core.StreamEvent) error {
		switch ev.Kind {
		case core.EventDelta:
			deltas = append(deltas, ev.Delta)
		case core.EventToolStart:
			sawToolStart = true
		case core.EventToolEnd:
			sawToolEnd = true
		case core.EventEnd:
			ended = true
		case core.EventError:
			t.Fatalf("unexpected error event: %s", ev.Err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atomic.LoadInt32(&tools.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", tools.calls)
	}
	if !sawToolStart || !sawToolEnd {
		t.Fatalf("expected tool_start and tool_end events")
	}
	if !ended {
		t.Fatalf("expected a terminal EventEnd")
	}
	if len(deltas) != 1 || deltas[0] != "the weather is sunny" {
		t.Fatalf("deltas = %v, want [the weather is sunny]", deltas)
	}
}

type capturingTools struct {
	gotServer string
	gotTool   string
}

func (c *capturingTools) Invoke(ctx context.Context, serverID, tool string, args map[string]any, deadline time.Time) (agentloop.ToolResult, error) {
	c.gotServer, c.gotTool = serverID, tool
	return agentloop.ToolResult{Content: "ok"}, nil
}

// TestLoop_Run_SplitsMCPCanonicalNameIntoServerAndTool guards against
// treating the "mcp" literal in "mcp__{server}__{tool}" as the server ID
// itself.
func TestLoop_Run_SplitsMCPCanonicalNameIntoServerAndTool(t *testing.T) {
	var turn int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		n := atomic.AddInt32(&turn, 1)
		if n == 1 {
			sseFrame(w, `{"tool_calls":[{"id":"call_0","canonical_name":"mcp__weather__get_forecast","arguments":{}}]}`)
		} else {
			sseFrame(w, "done")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL)
	tools := &capturingTools{}
	loop := agentloop.New(reg, tools, 5, nil)

	req := core.Request{ModelSpec: "model-a", Messages: []core.Message{{Role: core.RoleUser, Content: "what's the weather"}}}
	effective := []core.ToolDescriptor{{CanonicalName: "mcp__weather__get_forecast", Server: "weather", LocalName: "get_forecast"}}

	err := loop.Run(context.Background(), snap, req, effective, time.Time{}, func(ev core.StreamEvent) error { return nil })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if tools.gotServer != "weather" {
		t.Fatalf("server = %q, want %q", tools.gotServer, "weather")
	}
	if tools.gotTool != "get_forecast" {
		t.Fatalf("tool = %q, want %q", tools.gotTool, "get_forecast")
	}
}

func TestLoop_Run_RejectsUnknownToolCanonicalName(t *testing.T) {
	var turn int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		n := atomic.AddInt32(&turn, 1)
		if n == 1 {
			sseFrame(w, `{"tool_calls":[{"id":"call_0","canonical_name":"unknown__tool","arguments":{}}]}`)
		} else {
			sseFrame(w, "done")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL)
	tools := &fakeTools{}
	loop := agentloop.New(reg, tools, 5, nil)

	req := core.Request{ModelSpec: "model-a", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}

	var ended bool
	err := loop.Run(context.Background(), snap, req, nil, time.Time{}, func(ev core.StreamEvent) error {
		if ev.Kind == core.EventEnd {
			ended = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atomic.LoadInt32(&tools.calls) != 0 {
		t.Fatalf("expected unknown tool never dispatched, got %d calls", tools.calls)
	}
	if !ended {
		t.Fatalf("expected loop to terminate with no valid tool calls")
	}
}

// TestLoop_Run_ZeroIterationsIsPureCompletion pins the boundary behavior:
// a zero iteration budget means one model turn with no tools at all.
func TestLoop_Run_ZeroIterationsIsPureCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, "just an answer")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL)
	tools := &fakeTools{}
	loop := agentloop.New(reg, tools, 0, nil)

	req := core.Request{ModelSpec: "model-a", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
	effective := []core.ToolDescriptor{{CanonicalName: "weather__get", Server: "weather", LocalName: "get"}}

	var deltas []string
	var ended bool
	err := loop.Run(context.Background(), snap, req, effective, time.Time{}, func(ev core.StreamEvent) error {
		switch ev.Kind {
		case core.EventDelta:
			deltas = append(deltas, ev.Delta)
		case core.EventToolStart, core.EventToolEnd:
			t.Fatal("no tool lifecycle events expected with a zero iteration budget")
		case core.EventEnd:
			ended = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if atomic.LoadInt32(&tools.calls) != 0 {
		t.Fatalf("tool calls = %d, want 0", tools.calls)
	}
	if !ended || len(deltas) != 1 || deltas[0] != "just an answer" {
		t.Fatalf("deltas = %v ended = %v, want single plain completion", deltas, ended)
	}
}

func TestLoop_Run_InjectsTerminalDirectiveAtMaxIterations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseFrame(w, `{"tool_calls":[{"id":"call_0","canonical_name":"weather__get","arguments":{}}]}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL)
	tools := &fakeTools{}
	loop := agentloop.New(reg, tools, 1, nil)

	req := core.Request{ModelSpec: "model-a", Messages: []core.Message{{Role: core.RoleUser, Content: "loop forever"}}}
	effective := []core.ToolDescriptor{{CanonicalName: "weather__get", Server: "weather", LocalName: "get"}}

	var ended bool
	err := loop.Run(context.Background(), snap, req, effective, time.Time{}, func(ev core.StreamEvent) error {
		if ev.Kind == core.EventEnd {
			ended = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !ended {
		t.Fatalf("expected loop to terminate after the terminal turn, even though the model kept requesting tools")
	}
	if atomic.LoadInt32(&tools.calls) != 1 {
		t.Fatalf("tool calls = %d, want exactly 1 (the one turn before the terminal directive)", tools.calls)
	}
}
