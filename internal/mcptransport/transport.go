// Package mcptransport is the MCP Transport Layer: a
// per-server connection pool spanning HTTP(S), WebSocket, Unix socket, and
// stdio child-process transports, normalized to one
// invoke(server, tool, args, deadline) contract. The official MCP SDK
// carries the HTTP and stdio transports; WebSocket and Unix socket use a
// local JSON-RPC framing, which the SDK does not cover.
package mcptransport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/router-core/pkg/core"
)

// ErrKind is the MCP-layer error taxonomy. Only Unreachable, Protocol, and
// Timeout feed the Circuit Breaker.
type ErrKind string

const (
	ErrUnreachable ErrKind = "unreachable"
	ErrProtocol ErrKind = "protocol"
	ErrToolError ErrKind = "tool_error"
	ErrTimeout ErrKind = "timeout"
	ErrCancelled ErrKind = "cancelled"
	ErrDisabled ErrKind = "disabled"
)

// FeedsBreaker reports whether this kind of failure should count against
// the target's circuit breaker.
func (k ErrKind) FeedsBreaker() bool {
	return k == ErrUnreachable || k == ErrProtocol || k == ErrTimeout
}

// TransportError wraps a transport-layer failure with its taxonomy kind.
type TransportError struct {
	Kind   ErrKind
	Server string
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mcp %s: %s: %v", e.Server, e.Kind, e.Cause)
	}
	return fmt.Sprintf("mcp %s: %s", e.Server, e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func newErr(server string, kind ErrKind, cause error) *TransportError {
	return &TransportError{Kind: kind, Server: server, Cause: cause}
}

// ToolResult is the normalized outcome of one tool invocation.
type ToolResult struct {
	Content string
	IsError bool
}

// conn is the per-server connection abstraction each transport implements.
// CallTool and ListTools must be safe for concurrent use; the Manager is what
// enforces the per-server concurrency cap, not the conn itself.
type conn interface {
	CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error)
	ListTools(ctx context.Context) ([]core.ToolDescriptor, error)
	Close() error
}

// dial opens a conn for the given server config according to its
// Transport. Each transport's constructor lives in its own file.
func dial(ctx context.Context, cfg core.MCPServerConfig) (conn, error) {
	switch cfg.Transport {
	case core.TransportHTTP:
		return dialSDKStreamableHTTP(ctx, cfg)
	case core.TransportStdio:
		return dialSDKStdio(ctx, cfg)
	case core.TransportWS:
		return dialWebSocket(ctx, cfg)
	case core.TransportUnix:
		return dialUnix(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown transport %q for server %q", cfg.Transport, cfg.ID)
	}
}

// classify maps a raw dial/call error into the taxonomy. Context
// cancellation and deadline errors get their own kinds so callers can
// decide on breaker feeding without string matching.
func classify(err error) ErrKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrUnreachable
}

// withDeadline bounds ctx by the smaller of its existing deadline and d,
// so no blocking operation ever waits longer than
// min(request_deadline_remaining, component_default_timeout).
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
