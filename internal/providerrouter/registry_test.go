package providerrouter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/budget"
	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/pkg/core"
)

func openAIStub(t *testing.T, fail bool, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "resp-1",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello from stub"}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func newTestSnapshot(primaryURL, fallbackURL string) *config.Snapshot {
	return &config.Snapshot{
		Version:            1,
		DefaultModel:       "gpt-4o",
		LocalFallbackModel: "local-model",
		Providers: []core.ProviderConfig{
			{ID: "primary", Kind: core.ProviderRemote, Driver: "openai", BaseURL: primaryURL, APIKeyEnv: "", SupportedModels: []string{"gpt-4o"}, IsDefault: true},
			{ID: "fallback", Kind: core.ProviderLocal, Driver: "local", BaseURL: fallbackURL, SupportedModels: []string{"local-model"}},
		},
	}
}

func TestRegistry_Call_Success(t *testing.T) {
	srv := openAIStub(t, false, 0)
	defer srv.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(srv.URL, srv.URL)

	req := core.Request{ModelSpec: "gpt-4o", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
	result, providerID, err := reg.Call(context.Background(), snap, req, providerrouter.Options{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Content != "hello from stub" {
		t.Fatalf("Content = %q, want %q", result.Content, "hello from stub")
	}
	if providerID != "primary" {
		t.Fatalf("providerID = %q, want primary", providerID)
	}
}

func TestRegistry_Call_FallsBackOnTransientFailure(t *testing.T) {
	failing := openAIStub(t, true, http.StatusServiceUnavailable)
	defer failing.Close()
	ok := openAIStub(t, false, 0)
	defer ok.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(failing.URL, ok.URL)

	req := core.Request{ModelSpec: "gpt-4o", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}, AllowFallback: true}
	result, providerID, err := reg.Call(context.Background(), snap, req, providerrouter.Options{Tools: []core.ToolDescriptor{{CanonicalName: "fs__read_text"}}})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if providerID != "fallback" {
		t.Fatalf("providerID = %q, want fallback", providerID)
	}
	if result.Content != "hello from stub" {
		t.Fatalf("Content = %q, want fallback content", result.Content)
	}
}

func TestRegistry_Call_NoFallbackConfigured_ReturnsError(t *testing.T) {
	failing := openAIStub(t, true, http.StatusServiceUnavailable)
	defer failing.Close()

	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	snap := newTestSnapshot(failing.URL, failing.URL)
	snap.LocalFallbackModel = ""

	req := core.Request{ModelSpec: "gpt-4o", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}, AllowFallback: true}
	if _, _, err := reg.Call(context.Background(), snap, req, providerrouter.Options{}); err == nil {
		t.Fatal("expected error when no fallback model is configured and the only provider fails")
	}
}

func TestRegistry_Call_BudgetExceeded(t *testing.T) {
	srv := openAIStub(t, false, 0)
	defer srv.Close()

	ledger := budget.NewLedger(0, false, nil)
	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), ledger, nil)
	snap := newTestSnapshot(srv.URL, srv.URL)
	snap.LocalFallbackModel = ""

	req := core.Request{ModelSpec: "gpt-4o", Messages: []core.Message{{Role: core.RoleUser, Content: "hi"}}}
	if _, _, err := reg.Call(context.Background(), snap, req, providerrouter.Options{}); err == nil {
		t.Fatal("expected budget-exceeded error with zero limit units")
	}
}

func TestRegistry_DiscoverModels_FallsBackToStaticList(t *testing.T) {
	reg := providerrouter.NewRegistry(nil, breaker.NewRegistry(breaker.Config{}, nil), nil, nil)
	provider := core.ProviderConfig{ID: "p", Driver: "anthropic", SupportedModels: []string{"claude-3-5-haiku-20241022"}}
	models := reg.DiscoverModels(context.Background(), provider)
	if len(models) != 1 || models[0] != "claude-3-5-haiku-20241022" {
		t.Fatalf("DiscoverModels() = %v, want static list (anthropic has no discovery capability)", models)
	}
}
