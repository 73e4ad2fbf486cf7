// Runner HTTP surface (internal): health, detailed status, MCP roster,
// breaker status, and a tool-dispatch passthrough, all behind the same
// bearer-auth model as the Gateway.
//
// One endpoint carries more than a plain status check: POST
// /internal/agent/stream. The Agent Loop and Maître d' live only in the
// Runner, not the Gateway, so something has to carry a streaming
// chat_stream call across that process boundary whenever model_spec
// matches "agent:*"; this endpoint is that carrier, framed as
// newline-delimited JSON core.StreamEvent records so the Gateway can
// relay them without re-deriving SSE framing twice.
package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/router-core/internal/authmw"
	"github.com/agentoven/router-core/pkg/core"
)

const defaultToolCallTimeout = 30 * time.Second

// NewHandler builds the Runner's internal HTTP surface.
func (rt *Runtime) NewHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(authmw.Middleware(rt.Env.AuthToken))

	r.Get("/health", rt.handleHealth)
	r.Get("/admin/status", rt.handleStatus)
	r.Get("/admin/mcp/roster", rt.handleRoster)
	r.Get("/admin/breakers", rt.handleBreakers)
	r.Post("/admin/breakers/reset", rt.handleBreakerReset)
	r.Post("/admin/mcp/tool", rt.handleToolDispatch)
	r.Post("/admin/reload", rt.handleReload)
	r.Post("/internal/agent/stream", rt.handleAgentStream)
	return r
}

func (rt *Runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "ok": true})
}

// handleStatus backs the Runner's half of GET /admin/system-status:
// config version, MCP roster, breaker summary, budget, tool catalog
// version and the Observability Bus snapshot — the Gateway's own
// /admin/system-status merges this with its own view.
func (rt *Runtime) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := rt.Store.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"config_version": snap.Version,
		"mcp_roster": rt.Transport.ServerStates(),
		"breakers": rt.Breakers.Snapshot(),
		"budget": rt.Ledger.Snapshot(),
		"tool_catalog_version": rt.Catalog.Current().Version,
		"observability": rt.Bus.ExportSnapshot(),
	})
}

func (rt *Runtime) handleRoster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.Transport.ServerStates())
}

func (rt *Runtime) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.Breakers.Snapshot())
}

// handleBreakerReset is the administrative breaker override: returns the
// named target's breaker to closed with zeroed counters.
func (rt *Runtime) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target is required"})
		return
	}
	if !rt.Breakers.Reset(req.Target) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown breaker target"})
		return
	}
	rt.Bus.RecordEvent("breaker_reset", "info", map[string]any{"target": req.Target})
	writeJSON(w, http.StatusOK, map[string]any{"target": req.Target, "state": "closed"})
}

// toolDispatchRequest is the body of POST /admin/mcp/tool.
type toolDispatchRequest struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (rt *Runtime) handleToolDispatch(w http.ResponseWriter, r *http.Request) {
	var req toolDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Server == "" || req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "server and tool are required"})
		return
	}

	deadline := time.Now().Add(defaultToolCallTimeout)
	res, err := rt.Transport.Invoke(r.Context(), req.Server, req.Tool, req.Arguments, deadline)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (rt *Runtime) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := rt.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version})
}

// agentStreamRequest is the body POST /internal/agent/stream expects: the
// full Request plus recall hints an upstream memory-subsystem collaborator
// (out of scope here) may have attached.
type agentStreamRequest struct {
	Request     core.Request `json:"request"`
	RecallHints []string     `json:"recall_hints,omitempty"`
}

// handleAgentStream is the Runner side of "agent:*" dispatch. It writes one
// JSON-encoded core.StreamEvent per line, flushing after each, and closes
// the connection when the Agent Loop's terminal event has been written.
func (rt *Runtime) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	var req agentStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	if !req.Request.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Request.Deadline)
		defer cancel()
	}

	enc := json.NewEncoder(w)
	emit := func(ev core.StreamEvent) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := rt.StreamAgent(ctx, req.Request, req.RecallHints, emit); err != nil {
		log.Warn().Err(err).Str("request_id", req.Request.RequestID).Msg("runner: agent stream ended with error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
