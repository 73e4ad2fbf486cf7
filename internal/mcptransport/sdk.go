package mcptransport

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentoven/router-core/pkg/core"
)

// sdkConn wraps an official-SDK ClientSession for the transports the SDK
// natively supports: streamable HTTP and stdio child processes.
type sdkConn struct {
	server string
	session *mcpsdk.ClientSession
}

var sdkClient = mcpsdk.NewClient(&mcpsdk.Implementation{Name: "router-core", Version: "0.1.0"}, nil)

func dialSDKStreamableHTTP(ctx context.Context, cfg core.MCPServerConfig) (conn, error) {
	transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.Endpoint}
	session, err := sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, newErr(cfg.ID, ErrUnreachable, err)
	}
	return &sdkConn{server: cfg.ID, session: session}, nil
}

func dialSDKStdio(ctx context.Context, cfg core.MCPServerConfig) (conn, error) {
	parts := splitCommandLine(cfg.Endpoint)
	if len(parts) == 0 {
		return nil, newErr(cfg.ID, ErrProtocol, fmt.Errorf("empty stdio command"))
	}
	// The child's lifetime is owned by the session, not the handshake
	// deadline: ctx here only bounds Connect. Close() terminates the child.
	cmd := exec.Command(parts[0], parts[1:]...)
	if cfg.AuthToken != "" {
		cmd.Env = append(cmd.Environ(), "MCP_TOKEN="+cfg.AuthToken)
	}
	transport := &mcpsdk.CommandTransport{Command: cmd}
	session, err := sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, newErr(cfg.ID, ErrUnreachable, err)
	}
	return &sdkConn{server: cfg.ID, session: session}, nil
}

func (c *sdkConn) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, newErr(c.server, classifyCallErr(ctx, err), err)
	}
	var sb strings.Builder
	for _, part := range res.Content {
		if tc, ok := part.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &ToolResult{Content: sb.String(), IsError: res.IsError}, nil
}

func (c *sdkConn) ListTools(ctx context.Context) ([]core.ToolDescriptor, error) {
	var out []core.ToolDescriptor
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, newErr(c.server, ErrProtocol, err)
		}
		out = append(out, core.ToolDescriptor{
			CanonicalName: fmt.Sprintf("mcp__%s__%s", c.server, tool.Name),
			Server: c.server,
			LocalName: tool.Name,
			Description: tool.Description,
		})
	}
	return out, nil
}

func (c *sdkConn) Close() error {
	return c.session.Close()
}

func classifyCallErr(ctx context.Context, err error) ErrKind {
	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ErrCancelled
	}
	return ErrUnreachable
}

// splitCommandLine splits a "command arg1 arg2" string honoring simple
// single/double-quoted segments.
func splitCommandLine(s string) []string {
	var args []string
	var current []rune
	inQuote := false
	var quoteChar rune

	for _, c := range s {
		switch {
		case inQuote:
			if c == quoteChar {
				inQuote = false
			} else {
				current = append(current, c)
			}
		case c == '"' || c == '\'':
			inQuote = true
			quoteChar = c
		case c == ' ' || c == '\t':
			if len(current) > 0 {
				args = append(args, string(current))
				current = nil
			}
		default:
			current = append(current, c)
		}
	}
	if len(current) > 0 {
		args = append(args, string(current))
	}
	return args
}
