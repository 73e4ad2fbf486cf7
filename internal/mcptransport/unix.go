package mcptransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/router-core/pkg/core"
)

// unixConn is a persistent Unix-domain-socket MCP connection using
// length-prefixed JSON-RPC framing, with the same request/response
// correlation the WebSocket transport uses, over a plain net.Conn.
type unixConn struct {
	server string
	path   string

	corr *correlator

	mu     sync.Mutex
	c      net.Conn
	w      *bufio.Writer
	wmu    sync.Mutex // exclusive writer token
	closed bool
}

func dialUnix(ctx context.Context, cfg core.MCPServerConfig) (conn, error) {
	u := &unixConn{server: cfg.ID, path: cfg.Endpoint, corr: newCorrelator()}
	if err := u.connect(); err != nil {
		return nil, err
	}
	go u.readLoop()
	return u, nil
}

func (u *unixConn) connect() error {
	c, err := net.DialTimeout("unix", u.path, 10*time.Second)
	if err != nil {
		return newErr(u.server, ErrUnreachable, err)
	}
	u.mu.Lock()
	u.c = c
	u.w = bufio.NewWriter(c)
	u.mu.Unlock()
	return nil
}

func (u *unixConn) readLoop() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		u.mu.Lock()
		c := u.c
		closed := u.closed
		u.mu.Unlock()
		if closed {
			return
		}
		if c == nil {
			time.Sleep(bo.NextBackOff())
			if err := u.connect(); err != nil {
				continue
			}
			bo.Reset()
			continue
		}

		msg, err := readFrame(c)
		if err != nil {
			u.corr.failAll("connection lost")
			u.mu.Lock()
			u.c = nil
			u.mu.Unlock()
			log.Warn().Str("server", u.server).Err(err).Msg("mcp unix socket read failed, reconnecting")
			continue
		}
		bo.Reset()

		var resp rpcResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Warn().Str("server", u.server).Err(err).Msg("mcp unix socket malformed frame")
			continue
		}
		u.corr.dispatch(resp)
	}
}

// readFrame reads one 4-byte big-endian length prefix followed by that
// many bytes of JSON.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (u *unixConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req, ch := u.corr.newRequest(method, params)

	u.mu.Lock()
	w := u.w
	u.mu.Unlock()
	if w == nil {
		u.corr.abandon(req.ID)
		return nil, newErr(u.server, ErrUnreachable, fmt.Errorf("no active connection"))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		u.corr.abandon(req.ID)
		return nil, newErr(u.server, ErrProtocol, err)
	}

	u.wmu.Lock()
	werr := writeFrame(w, payload)
	if werr == nil {
		werr = w.Flush()
	}
	u.wmu.Unlock()
	if werr != nil {
		u.corr.abandon(req.ID)
		return nil, newErr(u.server, ErrUnreachable, werr)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, newErr(u.server, ErrToolError, fmt.Errorf("%s", resp.Error.Message))
		}
		return resp.Result, nil
	case <-ctx.Done():
		u.corr.abandon(req.ID)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, newErr(u.server, ErrTimeout, ctx.Err())
		}
		return nil, newErr(u.server, ErrCancelled, ctx.Err())
	}
}

func (u *unixConn) CallTool(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	raw, err := u.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": args})
	if err != nil {
		return nil, err
	}
	return parseCallResult(raw)
}

func (u *unixConn) ListTools(ctx context.Context) ([]core.ToolDescriptor, error) {
	raw, err := u.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	return parseToolsList(raw, u.server)
}

func (u *unixConn) Close() error {
	u.mu.Lock()
	u.closed = true
	c := u.c
	u.c = nil
	u.mu.Unlock()
	if c != nil {
		return c.Close()
	}
	return nil
}
