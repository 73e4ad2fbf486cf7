package mcptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/router-core/pkg/core"
)

// wsConn is a persistent WebSocket MCP connection carrying JSON-RPC
// envelopes as text frames. A single read loop owns the socket's read
// side; concurrent calls are multiplexed through the correlator.
type wsConn struct {
	server string
	url    string
	header map[string]string

	corr *correlator

	mu     sync.Mutex
	c      *websocket.Conn
	closed bool
}

func dialWebSocket(ctx context.Context, cfg core.MCPServerConfig) (conn, error) {
	w := &wsConn{server: cfg.ID, url: cfg.Endpoint, corr: newCorrelator()}
	if cfg.AuthToken != "" {
		w.header = map[string]string{"Authorization": "Bearer " + cfg.AuthToken}
	}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}
	go w.readLoop()
	return w, nil
}

func (w *wsConn) connect(ctx context.Context) error {
	dialCtx, cancel := withDeadline(ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if len(w.header) > 0 {
		h := make(map[string][]string, len(w.header))
		for k, v := range w.header {
			h[k] = []string{v}
		}
		opts.HTTPHeader = h
	}
	c, _, err := websocket.Dial(dialCtx, w.url, opts)
	if err != nil {
		return newErr(w.server, ErrUnreachable, err)
	}
	w.mu.Lock()
	w.c = c
	w.mu.Unlock()
	return nil
}

// readLoop owns the socket's read side and reconnects with exponential
// backoff on disconnect.
func (w *wsConn) readLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		w.mu.Lock()
		c := w.c
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		if c == nil {
			time.Sleep(bo.NextBackOff())
			if err := w.connect(context.Background()); err != nil {
				continue
			}
			bo.Reset()
			continue
		}

		_, data, err := c.Read(context.Background())
		if err != nil {
			w.corr.failAll("connection lost")
			w.mu.Lock()
			w.c = nil
			w.mu.Unlock()
			log.Warn().Str("server", w.server).Err(err).Msg("mcp websocket read failed, reconnecting")
			continue
		}
		bo.Reset()

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warn().Str("server", w.server).Err(err).Msg("mcp websocket malformed frame")
			continue
		}
		w.corr.dispatch(resp)
	}
}

func (w *wsConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, ch := w.corr.newRequest(method, params)

	w.mu.Lock()
	c := w.c
	w.mu.Unlock()
	if c == nil {
		w.corr.abandon(req.ID)
		return nil, newErr(w.server, ErrUnreachable, fmt.Errorf("no active connection"))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		w.corr.abandon(req.ID)
		return nil, newErr(w.server, ErrProtocol, err)
	}
	if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
		w.corr.abandon(req.ID)
		return nil, newErr(w.server, ErrUnreachable, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, newErr(w.server, ErrToolError, fmt.Errorf("%s", resp.Error.Message))
		}
		return resp.Result, nil
	case <-ctx.Done():
		w.corr.abandon(req.ID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newErr(w.server, ErrTimeout, ctx.Err())
		}
		return nil, newErr(w.server, ErrCancelled, ctx.Err())
	}
}

func (w *wsConn) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	raw, err := w.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, err
	}
	return parseCallResult(raw)
}

func (w *wsConn) ListTools(ctx context.Context) ([]core.ToolDescriptor, error) {
	raw, err := w.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(raw, w.server)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	w.closed = true
	c := w.c
	w.c = nil
	w.mu.Unlock()
	if c != nil {
		return c.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}
