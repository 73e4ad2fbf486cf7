package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentoven/router-core/pkg/core"
)

// RunnerClient is the Gateway's half of the internal process boundary: the
// Agent Loop and Maître d' live only in the Runner, so the Gateway reaches
// them over HTTP rather than importing them directly.
type RunnerClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewRunnerClient constructs a client for the Runner's internal surface.
// The Gateway forwards its own configured auth token on every internal
// call explicitly: it is a single configured value the Gateway must pass
// along rather than trust implicitly.
func NewRunnerClient(baseURL, authToken string) *RunnerClient {
	return &RunnerClient{baseURL: baseURL, authToken: authToken, client: &http.Client{}}
}

type agentStreamRequest struct {
	Request     core.Request `json:"request"`
	RecallHints []string     `json:"recall_hints,omitempty"`
}

// StreamAgent proxies one "agent:*" request to the Runner and relays each
// decoded core.StreamEvent to emit as it arrives, preserving the ordering
// guarantees the Agent Loop already establishes — this client does no reordering or buffering of its own.
func (c *RunnerClient) StreamAgent(ctx context.Context, req core.Request, recallHints []string, emit func(core.StreamEvent) error) error {
	body, err := json.Marshal(agentStreamRequest{Request: req, RecallHints: recallHints})
	if err != nil {
		return fmt.Errorf("marshal agent stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/agent/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("runner unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev core.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode runner stream frame: %w", err)
		}
		if err := emit(ev); err != nil {
			return err
		}
		if ev.Kind == core.EventEnd || ev.Kind == core.EventError {
			return nil
		}
	}
	return scanner.Err()
}

// RunnerStatus is the shape /admin/status on the Runner returns, used to
// enrich the Gateway's own /admin/system-status response.
type RunnerStatus struct {
	ConfigVersion      int64          `json:"config_version"`
	MCPRoster          map[string]any `json:"mcp_roster"`
	Breakers           any            `json:"breakers"`
	Budget             any            `json:"budget"`
	ToolCatalogVersion int64          `json:"tool_catalog_version"`
}

// Status fetches the Runner's detailed status, tolerating unreachability
// by returning a zero-value status and the error — callers degrade rather
// than fail the whole /admin/system-status response. Unlike user-facing
// chat dispatch, this read-only lookup is retried once on failure.
func (c *RunnerClient) Status(ctx context.Context) (RunnerStatus, error) {
	out, err := c.fetchStatus(ctx)
	if err != nil && ctx.Err() == nil {
		out, err = c.fetchStatus(ctx)
	}
	return out, err
}

func (c *RunnerClient) fetchStatus(ctx context.Context) (RunnerStatus, error) {
	var out RunnerStatus
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/status", nil)
	if err != nil {
		return out, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("runner status returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Reload asks the Runner to reload its Config Store, the Runner's half of
// POST /admin/reload; the Gateway reloads its own
// independent Store instance for the same file in the same request.
func (c *RunnerClient) Reload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/admin/reload", nil)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runner reload returned %d", resp.StatusCode)
	}
	return nil
}
