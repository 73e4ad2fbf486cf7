// Package core holds the data types shared by every component of the
// router core: requests, messages, tool descriptors, provider and MCP
// server descriptors. Components pass these by value or immutable
// pointer; nothing in this package owns mutable shared state.
package core

import "time"

// Role identifies who produced a Message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool Role = "tool"
)

// QualityTier influences provider selection for a Request.
type QualityTier string

const (
	TierSpeed QualityTier = "speed"
	TierBalanced QualityTier = "balanced"
	TierHigh QualityTier = "high"
)

// ToolCall is one tool invocation requested by an assistant turn.
type ToolCall struct {
	ID string `json:"id"`
	CanonicalName string `json:"canonical_name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one turn in a conversation.
type Message struct {
	Role Role `json:"role"`
	Content string `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"` // set on role=tool messages
	Name string `json:"name,omitempty"` // tool name, set on role=tool messages
}

// Request is one client chat call, owned by the Gateway for its lifetime
// and borrowed by the Agent Loop during tool cycles.
type Request struct {
	RequestID string
	ModelSpec string
	Messages []Message
	Stream bool
	QualityTier QualityTier
	Deadline time.Time
	ClientToken string
	AllowFallback bool
}

// ToolDescriptor describes one callable tool in the catalog.
type ToolDescriptor struct {
	CanonicalName string `json:"canonical_name"`
	Server string `json:"server"`
	LocalName string `json:"local_name"`
	ArgSchema map[string]any `json:"arg_schema,omitempty"`
	Description string `json:"description"`
	CategoryTag string `json:"category_tag,omitempty"`
}

// MCPServerState is the lifecycle state of one configured MCP server.
type MCPServerState string

const (
	ServerUnknown MCPServerState = "unknown"
	ServerDiscovering MCPServerState = "discovering"
	ServerReady MCPServerState = "ready"
	ServerDegraded MCPServerState = "degraded"
	ServerDisabled MCPServerState = "disabled"
)

// Transport identifies which wire protocol an MCP server speaks.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportWS Transport = "websocket"
	TransportUnix Transport = "unix"
	TransportStdio Transport = "stdio"
)

// MCPServerConfig is the declarative configuration for one MCP server,
// as it appears in a Config Store snapshot.
type MCPServerConfig struct {
	ID string `yaml:"id" json:"id"`
	Transport Transport `yaml:"transport" json:"transport"`
	Endpoint string `yaml:"endpoint" json:"endpoint"` // URL, unix path, or "command arg1 arg2" for stdio
	AuthToken string `yaml:"auth_token,omitempty" json:"-"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Core bool `yaml:"core,omitempty" json:"core,omitempty"` // always included, bypasses Maître d' filtering
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ProviderKind distinguishes local (cooperative) from remote (governed) backends.
type ProviderKind string

const (
	ProviderLocal ProviderKind = "local"
	ProviderRemote ProviderKind = "remote"
)

// ProviderConfig is the declarative configuration for one LLM backend.
type ProviderConfig struct {
	ID string `yaml:"id" json:"id"`
	Kind ProviderKind `yaml:"kind" json:"kind"`
	Driver string `yaml:"driver" json:"driver"` // openai, anthropic, ollama, litellm
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"-"`
	SupportedModels []string `yaml:"models" json:"models"`
	IsDefault bool `yaml:"is_default,omitempty" json:"is_default,omitempty"`
	RateBudgetUnits float64 `yaml:"rate_budget_units,omitempty" json:"rate_budget_units,omitempty"`
}

// Usage is the token accounting for one provider call.
type Usage struct {
	InputTokens int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens int64 `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// StreamEventKind enumerates the shapes a TokenStream can emit.
type StreamEventKind string

const (
	EventDelta StreamEventKind = "delta"
	EventUsage StreamEventKind = "usage"
	EventToolStart StreamEventKind = "tool_start"
	EventToolEnd StreamEventKind = "tool_end"
	EventError StreamEventKind = "error"
	EventEnd StreamEventKind = "end"
)

// StreamEvent is one portable event emitted into a TokenStream. Exactly
// one payload field is meaningful per Kind.
type StreamEvent struct {
	Kind StreamEventKind `json:"kind"`
	Delta string `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
	ToolName string `json:"tool_name,omitempty"`
	ToolID string `json:"tool_id,omitempty"`
	Err string `json:"error,omitempty"`
}
