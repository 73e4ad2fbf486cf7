package providerrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentoven/router-core/pkg/core"
)

const anthropicVersion = "2023-06-01"

// anthropicDriver speaks the Anthropic Messages API.
// Anthropic separates the system prompt from the message list and streams
// via named SSE events rather than OpenAI's uniform "data:" frames, so this
// driver's wire shapes diverge from openAIDriver's even though both satisfy
// the same Driver/StreamingDriver interfaces.
type anthropicDriver struct {
	client *http.Client
	maxTokens int
}

func newAnthropicDriver(client *http.Client) *anthropicDriver {
	return &anthropicDriver{client: client, maxTokens: 4096}
}

func (d *anthropicDriver) Kind() string { return "anthropic" }

type anthropicMessage struct {
	Role string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model string `json:"model"`
	System string `json:"system,omitempty"`
	Messages []anthropicMessage `json:"messages"`
	MaxTokens int `json:"max_tokens"`
	Stream bool `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicUsage struct {
	InputTokens int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponse struct {
	ID string `json:"id"`
	Content []struct {
		Type string `json:"type"` // "text", "thinking", "tool_use"
		Text string `json:"text"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

// splitSystem pulls the leading system message out of msgs, since Anthropic
// takes it as a top-level "system" field rather than a role="system" turn.
func splitSystem(msgs []core.Message) (string, []core.Message) {
	if len(msgs) > 0 && msgs[0].Role == core.RoleSystem {
		return msgs[0].Content, msgs[1:]
	}
	return "", msgs
}

func (d *anthropicDriver) toMessages(msgs []core.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		role := string(m.Role)
		if m.Role == core.RoleTool {
			role = "user" // Anthropic has no distinct tool role at this level; folded in as user content
		}
		out = append(out, anthropicMessage{Role: role, Content: m.Content})
	}
	return out
}

func (d *anthropicDriver) endpoint(provider core.ProviderConfig) string {
	if provider.BaseURL != "" {
		return provider.BaseURL
	}
	return "https://api.anthropic.com"
}

func (d *anthropicDriver) requestBody(req core.Request, opts Options, stream bool) anthropicRequest {
	// opts.Tools is deliberately not sent as the native tools field: tool
	// availability travels in the system directive and tool calls come
	// back as plain JSON text content; native tool_use blocks are not
	// parsed by this driver.
	system, rest := splitSystem(req.Messages)
	return anthropicRequest{
		Model: req.ModelSpec,
		System: system,
		Messages: d.toMessages(rest),
		MaxTokens: d.maxTokens,
		Stream: stream,
		Temperature: opts.Temperature,
	}
}

func (d *anthropicDriver) newHTTPRequest(ctx context.Context, provider core.ProviderConfig, body anthropicRequest) (*http.Request, error) {
	apiKey := apiKeyFor(provider)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api_key not configured for provider %s", provider.ID)
	}
	encoded, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(provider)+"/v1/messages", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func (d *anthropicDriver) Call(ctx context.Context, provider core.ProviderConfig, req core.Request, opts Options) (CallResult, error) {
	httpReq, err := d.newHTTPRequest(ctx, provider, d.requestBody(req, opts, false))
	if err != nil {
		return CallResult{}, err
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return CallResult{}, Transient(fmt.Errorf("anthropic: request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		err := fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
		if isTransientStatus(httpResp.StatusCode) {
			return CallResult{}, Transient(err)
		}
		return CallResult{}, err
	}

	var anthResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return CallResult{}, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}
	return CallResult{
		Content: content.String(),
		Usage: core.Usage{
			InputTokens: anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
			TotalTokens: anthResp.Usage.InputTokens + anthResp.Usage.OutputTokens,
		},
		// Anthropic's Messages API has no first-token-logprob facility, so
		// Logprob stays nil even when WantLogprob is set; the Maître d' then
		// uses the confidence the judge reports in its JSON answer.
	}, nil
}

// anthropicSSEEvent is the subset of Anthropic's named event payloads this
// driver understands: content_block_delta carries text, message_delta and
// message_start carry usage, message_stop ends the stream.
type anthropicSSEEvent struct {
	Type string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

// StreamCall consumes Anthropic's named-SSE-event stream (event:... \n
// data: {...}\n\n), distinct from OpenAI's uniform "data:" framing.
func (d *anthropicDriver) StreamCall(ctx context.Context, provider core.ProviderConfig, req core.Request, opts Options, emit func(core.StreamEvent) error) error {
	httpReq, err := d.newHTTPRequest(ctx, provider, d.requestBody(req, opts, true))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return Transient(fmt.Errorf("anthropic: request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		err := fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
		if isTransientStatus(httpResp.StatusCode) {
			return Transient(err)
		}
		return err
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var usage core.Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev anthropicSSEEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue // malformed frame; skip rather than abort the whole stream
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Text == "" {
				continue
			}
			if err := emit(core.StreamEvent{Kind: core.EventDelta, Delta: ev.Delta.Text}); err != nil {
				return err
			}
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			}
		case "message_stop":
			// terminal event; loop ends naturally when the body closes
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic: stream read: %w", err)
	}
	return emit(core.StreamEvent{Kind: core.EventUsage, Usage: &usage})
}

func (d *anthropicDriver) HealthCheck(ctx context.Context, provider core.ProviderConfig) error {
	model := "claude-3-5-haiku-20241022"
	if len(provider.SupportedModels) > 0 {
		model = provider.SupportedModels[0]
	}
	body := anthropicRequest{Model: model, Messages: []anthropicMessage{{Role: "user", Content: "Say OK"}}, MaxTokens: 1}
	httpReq, err := d.newHTTPRequest(ctx, provider, body)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

var (
	_ Driver = (*anthropicDriver)(nil)
	_ StreamingDriver = (*anthropicDriver)(nil)
)
