package maitred_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/maitred"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/internal/toolcatalog"
	"github.com/agentoven/router-core/pkg/core"
)

type staticSource struct{ tools []core.ToolDescriptor }

func (s staticSource) Tools() []core.ToolDescriptor { return s.tools }

func judgeStub(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "judge-1",
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10},
		})
	}))
}

func testSnapshot(judgeURL string) *config.Snapshot {
	return &config.Snapshot{
		Version: 1,
		Providers: []core.ProviderConfig{
			{ID: "judge-provider", Kind: core.ProviderLocal, Driver: "openai", BaseURL: judgeURL, SupportedModels: []string{"judge-model"}, IsDefault: true},
		},
		Maitred: config.MaitredRule{
			Mode:                "moderate",
			ConfidenceThreshold: 0.5,
			CapTools:            10,
			CoreServers:         []string{"identity"},
			JudgeModel:          "judge-model",
			CacheTTL:            time.Minute,
		},
	}
}

func newSelector(t *testing.T, judgeURL string) *maitred.Selector {
	t.Helper()
	tools := []core.ToolDescriptor{
		{CanonicalName: "weather__get", Server: "weather", CategoryTag: "forecast"},
		{CanonicalName: "identity__whoami", Server: "identity", CategoryTag: "identity"},
	}
	cat := toolcatalog.New(t.TempDir(), staticSource{tools: tools})
	if _, err := cat.Refresh(); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	return maitred.New(reg, cat, nil)
}

func TestSelector_Select_UsesClassifiedServers(t *testing.T) {
	srv := judgeStub(t, `{"target_servers":["weather"],"recommended_role":"forecast lookup","confidence":0.9}`)
	defer srv.Close()

	sel := newSelector(t, srv.URL)
	snap := testSnapshot(srv.URL)

	tools, decision := sel.Select(context.Background(), snap, []core.Message{{Role: core.RoleUser, Content: "what's the weather"}}, nil)
	if decision.RecommendedRole != "forecast lookup" {
		t.Fatalf("RecommendedRole = %q", decision.RecommendedRole)
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.CanonicalName] = true
	}
	if !names["weather__get"] || !names["fs__read_text"] || !names["identity__whoami"] {
		t.Fatalf("expected weather, fs builtins, and core identity server tools, got %v", tools)
	}
}

// TestSelector_Select_ModerateAdmitsServerByCategoryMatch proves the
// moderate-mode union: even when the judge names no servers at all, a
// server whose tool category appears in the query text is admitted.
func TestSelector_Select_ModerateAdmitsServerByCategoryMatch(t *testing.T) {
	srv := judgeStub(t, `{"target_servers":[],"recommended_role":"","confidence":0.4}`)
	defer srv.Close()

	sel := newSelector(t, srv.URL)
	snap := testSnapshot(srv.URL)

	tools, _ := sel.Select(context.Background(), snap, []core.Message{{Role: core.RoleUser, Content: "show me the FORECAST for tomorrow"}}, nil)
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.CanonicalName] = true
	}
	if !names["weather__get"] {
		t.Fatalf("expected weather server admitted via its forecast category tag, got %v", tools)
	}
}

func TestSelector_Select_FallsBackToCoreOnMalformedJudgeOutput(t *testing.T) {
	srv := judgeStub(t, `not json at all`)
	defer srv.Close()

	sel := newSelector(t, srv.URL)
	snap := testSnapshot(srv.URL)

	tools, decision := sel.Select(context.Background(), snap, []core.Message{{Role: core.RoleUser, Content: "hi"}}, nil)
	if decision.Confidence != 0 {
		t.Fatalf("Confidence = %v, want 0 on classifier failure", decision.Confidence)
	}
	for _, tl := range tools {
		if tl.Server == "weather" {
			t.Fatalf("expected weather server excluded on classifier failure, got %v", tools)
		}
	}
}

func TestSelector_Select_DisabledModePassesEverythingThrough(t *testing.T) {
	sel := newSelector(t, "")
	snap := testSnapshot("")
	snap.Maitred.Mode = "disabled"

	tools, decision := sel.Select(context.Background(), snap, []core.Message{{Role: core.RoleUser, Content: "hi"}}, nil)
	if decision.Confidence != 1 {
		t.Fatalf("Confidence = %v, want 1 for disabled mode", decision.Confidence)
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.CanonicalName] = true
	}
	if !names["weather__get"] {
		t.Fatalf("expected weather tool present when Maître d' is disabled, got %v", tools)
	}
}
