package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/gateway"
	"github.com/agentoven/router-core/pkg/core"
)

func writeConfigFile(t *testing.T, providerURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	doc := fmt.Sprintf(`
default_model: model-a
local_fallback_model: model-a
providers:
  - id: primary
    kind: local
    driver: openai
    base_url: %s
    models: [model-a]
    is_default: true
`, providerURL)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestGateway(t *testing.T, providerURL, runnerURL string) *gateway.Gateway {
	t.Helper()
	env := config.LoadEnv()
	env.ConfigFilePath = writeConfigFile(t, providerURL)
	env.RunnerBase = runnerURL
	env.AuthToken = ""
	gw, err := gateway.New(context.Background(), env)
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	return gw
}

func TestChatCompletions_NonStreamingLocalProvider(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "c1",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello there"}},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL, "http://127.0.0.1:0")
	srv := httptest.NewServer(gw.NewHandler())
	defer srv.Close()

	body := `{"model":"model-a","messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Choices []struct {
			Message struct{ Content string }
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello there" {
		t.Fatalf("choices = %+v, want content 'hello there'", out.Choices)
	}
}

func TestChatCompletions_StreamingSSE(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"Hi"}}]}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{}}],"usage":{"total_tokens":2}}`)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL, "http://127.0.0.1:0")
	srv := httptest.NewServer(gw.NewHandler())
	defer srv.Close()

	body := `{"model":"model-a","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	out := buf.String()
	if !strings.Contains(out, `"content":"Hi"`) {
		t.Fatalf("body missing delta content: %s", out)
	}
	if !strings.Contains(out, "[DONE]") {
		t.Fatalf("body missing [DONE] sentinel: %s", out)
	}
}

func TestChatCompletions_AgentDispatchProxiesToRunner(t *testing.T) {
	runnerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/agent/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		enc.Encode(core.StreamEvent{Kind: core.EventDelta, Delta: "the answer is "})
		enc.Encode(core.StreamEvent{Kind: core.EventDelta, Delta: "42"})
		enc.Encode(core.StreamEvent{Kind: core.EventEnd})
	}))
	defer runnerSrv.Close()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider backend should not be called for an agent: dispatch")
	}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL, runnerSrv.URL)
	srv := httptest.NewServer(gw.NewHandler())
	defer srv.Close()

	body := `{"model":"agent:default","messages":[{"role":"user","content":"what is the answer"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Choices []struct {
			Message struct{ Content string }
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "the answer is 42" {
		t.Fatalf("choices = %+v, want content 'the answer is 42'", out.Choices)
	}
}

func TestChatCompletions_RejectsEmptyMessages(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:0", "http://127.0.0.1:0")
	srv := httptest.NewServer(gw.NewHandler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(`{"model":"model-a","messages":[]}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAuth_RejectsMissingBearerToken(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	env := config.LoadEnv()
	env.ConfigFilePath = writeConfigFile(t, backend.URL)
	env.AuthToken = "secret-token"
	env.RunnerBase = "http://127.0.0.1:0"
	gw, err := gateway.New(context.Background(), env)
	if err != nil {
		t.Fatalf("gateway.New() error = %v", err)
	}
	srv := httptest.NewServer(gw.NewHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d, want 200", resp2.StatusCode)
	}
}

func TestHandleModels_ListsConfiguredAndAgentEntries(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	gw := newTestGateway(t, backend.URL, "http://127.0.0.1:0")
	srv := httptest.NewServer(gw.NewHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Data []struct{ ID string }
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ids []string
	for _, d := range out.Data {
		ids = append(ids, d.ID)
	}
	if !contains(ids, "model-a") || !contains(ids, "agent:mcp") {
		t.Fatalf("models = %v, want model-a and agent:mcp present", ids)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
