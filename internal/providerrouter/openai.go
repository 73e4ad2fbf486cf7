package providerrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/agentoven/router-core/pkg/core"
)

// openAIDriver speaks the OpenAI chat-completions wire shape. The same
// driver also serves Ollama and any OpenAI-compatible local server (kind
// "ollama"/"local") against a different base URL.
type openAIDriver struct {
	kind string // "openai", "ollama", "local"
	client *http.Client
}

func newOpenAIDriver(kind string, client *http.Client) *openAIDriver {
	return &openAIDriver{kind: kind, client: client}
}

func (d *openAIDriver) Kind() string { return d.kind }

type openAIMessage struct {
	Role string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model string `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream bool `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Logprobs bool `json:"logprobs,omitempty"`
	TopLogprobs int `json:"top_logprobs,omitempty"`
}

type openAIUsage struct {
	PromptTokens int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens int64 `json:"total_tokens"`
}

type openAILogprobs struct {
	Content []struct {
		Logprob float64 `json:"logprob"`
	} `json:"content"`
}

type openAIResponse struct {
	ID string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Logprobs *openAILogprobs `json:"logprobs"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

func (d *openAIDriver) endpoint(provider core.ProviderConfig) string {
	if provider.BaseURL != "" {
		return provider.BaseURL
	}
	switch d.kind {
	case "ollama", "local":
		return "http://localhost:11434/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func (d *openAIDriver) toMessages(msgs []core.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (d *openAIDriver) requestBody(req core.Request, opts Options, stream bool) openAIRequest {
	// opts.Tools is deliberately not sent as the provider's native tools
	// field: tool availability travels in the system directive and tool
	// calls come back as plain JSON content, which is what the response
	// parsing here understands. Native tool_calls frames would never be
	// surfaced.
	body := openAIRequest{
		Model: req.ModelSpec,
		Messages: d.toMessages(req.Messages),
		Stream: stream,
		Temperature: opts.Temperature,
	}
	if opts.WantLogprob {
		body.Logprobs = true
		body.TopLogprobs = 1
	}
	return body
}

func (d *openAIDriver) Call(ctx context.Context, provider core.ProviderConfig, req core.Request, opts Options) (CallResult, error) {
	apiKey := apiKeyFor(provider)
	if apiKey == "" && d.kind == "openai" && provider.APIKeyEnv != "" {
		return CallResult{}, fmt.Errorf("openai: api_key not configured for provider %s", provider.ID)
	}

	body, _ := json.Marshal(d.requestBody(req, opts, false))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(provider)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return CallResult{}, fmt.Errorf("%s: create request: %w", d.kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return CallResult{}, Transient(fmt.Errorf("%s: request failed: %w", d.kind, err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		err := fmt.Errorf("%s: status %d: %s", d.kind, httpResp.StatusCode, string(respBody))
		if isTransientStatus(httpResp.StatusCode) {
			return CallResult{}, Transient(err)
		}
		return CallResult{}, err
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return CallResult{}, fmt.Errorf("%s: decode response: %w", d.kind, err)
	}

	result := CallResult{
		Usage: core.Usage{
			InputTokens: oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens: oaiResp.Usage.TotalTokens,
		},
	}
	if len(oaiResp.Choices) > 0 {
		result.Content = oaiResp.Choices[0].Message.Content
		if opts.WantLogprob {
			if lp := oaiResp.Choices[0].Logprobs; lp != nil && len(lp.Content) > 0 {
				v := lp.Content[0].Logprob
				result.Logprob = &v
			}
		}
	}
	return result, nil
}

// StreamCall parses an OpenAI-compatible SSE stream ("data: {...}\n\n",
// terminated by "data: [DONE]\n\n").
func (d *openAIDriver) StreamCall(ctx context.Context, provider core.ProviderConfig, req core.Request, opts Options, emit func(core.StreamEvent) error) error {
	apiKey := apiKeyFor(provider)
	body, _ := json.Marshal(d.requestBody(req, opts, true))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(provider)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", d.kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return Transient(fmt.Errorf("%s: request failed: %w", d.kind, err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		err := fmt.Errorf("%s: status %d: %s", d.kind, httpResp.StatusCode, string(respBody))
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
		if payload == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *openAIUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // malformed frame; skip rather than abort the whole stream
		}
		if chunk.Usage != nil {
			usage = core.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens, TotalTokens: chunk.Usage.TotalTokens}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			if err := emit(core.StreamEvent{Kind: core.EventDelta, Delta: c.Delta.Content}); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: stream read: %w", d.kind, err)
	}
	return emit(core.StreamEvent{Kind: core.EventUsage, Usage: &usage})
}

func (d *openAIDriver) HealthCheck(ctx context.Context, provider core.ProviderConfig) error {
	url := d.endpoint(provider) + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if apiKey := apiKeyFor(provider); apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", d.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", d.kind, resp.StatusCode)
	}
	return nil
}

// DiscoverModels implements ModelDiscoveryDriver against the provider's
// models-list endpoint.
func (d *openAIDriver) DiscoverModels(ctx context.Context, provider core.ProviderConfig) ([]string, error) {
	url := d.endpoint(provider) + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey := apiKeyFor(provider); apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s discover: %w", d.kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s discover: status %d: %s", d.kind, resp.StatusCode, string(body))
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"` // ollama's /api/tags shape, tolerated here too
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%s discover: decode: %w", d.kind, err)
	}
	var out []string
	for _, m := range parsed.Data {
		out = append(out, m.ID)
	}
	for _, m := range parsed.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

var (
	_ Driver = (*openAIDriver)(nil)
	_ StreamingDriver = (*openAIDriver)(nil)
	_ ModelDiscoveryDriver = (*openAIDriver)(nil)
)

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func apiKeyFor(provider core.ProviderConfig) string {
	if provider.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(provider.APIKeyEnv)
}
