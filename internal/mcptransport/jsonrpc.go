package mcptransport

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentoven/router-core/pkg/core"
)

// rpcRequest and rpcResponse are the JSON-RPC 2.0 envelopes used for the
// WebSocket and Unix-socket transports, which the MCP SDK does not
// provide framing for.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type toolsListResult struct {
	Tools       []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}           `json:"tools"`
}

type callToolResult struct {
	Content []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
	}       `json:"content"`
	IsError bool   `json:"isError"`
}

// correlator multiplexes concurrent calls onto a single connection by
// assigning request IDs and correlating responses back to their callers.
// One correlator is shared by the ws and unix transports.
type correlator struct {
	nextID int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]chan rpcResponse)}
}

func (c *correlator) newRequest(method string, params any) (rpcRequest, chan rpcResponse) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}, ch
}

func (c *correlator) dispatch(resp rpcResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// abandon removes a pending call, used when the caller gives up (context
// cancelled) before a response ever arrives, so the map doesn't leak.
func (c *correlator) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll delivers a synthetic error response to every pending call, used
// when the underlying connection drops.
func (c *correlator) failAll(msg string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResponse)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: msg}}
	}
}

func parseToolsList(raw json.RawMessage, server string) ([]core.ToolDescriptor, error) {
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	out := make([]core.ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, core.ToolDescriptor{
			CanonicalName: fmt.Sprintf("mcp__%s__%s", server, t.Name),
			Server:        server,
			LocalName:     t.Name,
			Description:   t.Description,
		})
	}
	return out, nil
}

func parseCallResult(raw json.RawMessage) (*ToolResult, error) {
	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	var sb []byte
	for _, c := range res.Content {
		if c.Type == "text" {
			sb = append(sb, []byte(c.Text)...)
		}
	}
	return &ToolResult{Content: string(sb), IsError: res.IsError}, nil
}
