package providerrouter_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/pkg/core"
)

func TestOpenAIDriver_StreamCall_EmitsDeltasThenUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL, srv.URL)
	req := core.Request{ModelSpec: "gpt-4o", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}, Stream: true}

	var deltas []string
	var gotUsage *core.Usage
	err := reg.StreamCall(context.Background(), snap, req, providerrouter.Options{}, func(ev core.StreamEvent) error {
		switch ev.Kind {
		case core.EventDelta:
			deltas = append(deltas, ev.Delta)
		case core.EventUsage:
			gotUsage = ev.Usage
		}
		return nil
	})
	if err != nil {
		t.Fatalf("StreamCall error = %v", err)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Fatalf("deltas = %v, want [Hel lo]", deltas)
	}
	if gotUsage == nil || gotUsage.TotalTokens != 5 {
		t.Fatalf("usage = %+v, want TotalTokens=5", gotUsage)
	}
}
