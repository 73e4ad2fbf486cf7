// Package gateway is the public HTTP ingress: request
// validation, bearer auth, model-prefix dispatch to either the Provider
// Registry directly or (via the Runner's internal HTTP surface) the Agent
// Loop, and read-only telemetry endpoints. Runs as its own binary because
// it alone owns the public ingress surface and the admission semaphore.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/router-core/internal/apperr"
	"github.com/agentoven/router-core/internal/authmw"
	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/budget"
	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/observe"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/internal/telemetry"
	"github.com/agentoven/router-core/pkg/core"
)

// defaultRequestTimeout is the Gateway's fallback deadline when a client
// doesn't supply one, mirroring the provider-stream idle default.
const defaultRequestTimeout = 120 * time.Second

// Gateway is the Gateway process's composition root. It holds its own
// independent Config Store, Observability Bus, Circuit Breaker Registry,
// Budget Ledger, and Provider Registry for direct (non-agent) dispatch;
// none of this in-memory state is shared with the Runner's instances.
type Gateway struct {
	Env       *config.Env
	Store     *config.Store
	Bus       *observe.Bus
	Breakers  *breaker.Registry
	Ledger    *budget.Ledger
	Providers *providerrouter.Registry
	Runner    *RunnerClient

	sem chan struct{}

	modelsMu       sync.Mutex
	modelsCache    []modelEntry
	modelsCacheExp time.Time
}

// New wires a Gateway from process-level Env, performing its own Config
// Store load independent of the Runner's.
func New(ctx context.Context, env *config.Env) (*Gateway, error) {
	store, err := config.NewStore(env.ConfigFilePath)
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}

	bus := observe.New(observe.DefaultBufferSizes())
	breakers := breaker.NewRegistry(breaker.Config{}, bus)
	ledger := budget.NewLedger(store.Current().Budget.LimitUnits, store.Current().Budget.FailOpenPolicy, bus)
	providers := providerrouter.NewRegistry(nil, breakers, ledger, bus)
	runnerClient := NewRunnerClient(env.RunnerBase, env.AuthToken)

	concurrency := env.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 64
	}

	return &Gateway{
		Env: env,
		Store: store,
		Bus: bus,
		Breakers: breakers,
		Ledger: ledger,
		Providers: providers,
		Runner: runnerClient,
		sem: make(chan struct{}, concurrency),
	}, nil
}

// NewHandler builds the public HTTP surface.
func (g *Gateway) NewHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Quality-Tier"},
		MaxAge: 300,
	}))
	r.Use(authmw.Middleware(g.Env.AuthToken))

	r.Get("/health", g.handleHealth)
	r.Get("/metrics", g.handleMetrics)
	r.Get("/admin/system-status", g.handleSystemStatus)
	r.Post("/admin/reload", g.handleReload)
	r.Get("/v1/models", g.handleModels)
	r.Post("/v1/chat/completions", g.withAdmission(g.handleChatCompletions))
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("request")
	})
}

// withAdmission enforces the global admission semaphore.
func (g *Gateway) withAdmission(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case g.sem <- struct{}{}:
		default:
			writeError(w, apperr.New(apperr.Unavailable, "too many in-flight requests").WithRetryAfter(1))
			return
		}
		defer func() { <-g.sem }()
		next(w, r)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "ok": true})
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := g.Bus.ExportSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"dropped_events": snap.DroppedEvents,
		"dropped_lifecycles": snap.DroppedLifecycles,
		"breakers": g.Breakers.Snapshot(),
		"provider_latencies_ms": g.Providers.LatencySnapshot(),
		"budget": g.Ledger.Snapshot(),
		"component_health": snap.ComponentHealth,
	})
}

// handleSystemStatus merges the Gateway's own view with the Runner's. The
// Runner half degrades to an error string rather than failing the whole
// response if the Runner is unreachable.
func (g *Gateway) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	snap := g.Store.Current()
	out := map[string]any{
		"gateway_config_version": snap.Version,
		"in_flight": len(g.sem),
		"in_flight_capacity": cap(g.sem),
		"gateway_breakers": g.Breakers.Snapshot(),
		"budget": g.Ledger.Snapshot(),
	}
	runnerStatus, err := g.Runner.Status(r.Context())
	if err != nil {
		out["runner_error"] = err.Error()
	} else {
		out["runner"] = runnerStatus
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReload performs the Gateway's own Config Store reload and asks the
// Runner to do the same.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := g.Store.Reload()
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "reload failed", err))
		return
	}
	if err := g.Runner.Reload(r.Context()); err != nil {
		log.Warn().Err(err).Msg("gateway: runner reload failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version})
}

// modelEntry is one row of GET /v1/models' data array.
type modelEntry struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

// modelsCacheTTL bounds how often /v1/models re-probes provider model
// lists; within the window the cached aggregate is served as-is.
const modelsCacheTTL = 2 * time.Minute

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	g.modelsMu.Lock()
	if time.Now().Before(g.modelsCacheExp) {
		entries := g.modelsCache
		g.modelsMu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": entries})
		return
	}
	g.modelsMu.Unlock()

	snap := g.Store.Current()
	seen := make(map[string]bool)
	var entries []modelEntry
	for _, p := range snap.Providers {
		for _, m := range g.Providers.DiscoverModels(r.Context(), p) {
			if seen[m] {
				continue
			}
			seen[m] = true
			entries = append(entries, modelEntry{ID: m, Object: "model"})
		}
	}
	entries = append(entries, modelEntry{ID: "agent:mcp", Object: "model"})

	g.modelsMu.Lock()
	g.modelsCache = entries
	g.modelsCacheExp = time.Now().Add(modelsCacheTTL)
	g.modelsMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": entries})
}

// StartProbes launches the periodic provider health probe, which keeps the
// per-provider component health current without failing unrelated
// providers. Returns immediately; probing stops when ctx is cancelled.
func (g *Gateway) StartProbes(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			g.Providers.HealthCheck(pctx, g.Store.Current())
			cancel()
		}
	}()
}

// chatRequest is the OpenAI-compatible request body. deadline_seconds and
// quality_tier are extensions beyond the standard wire fields, needed to
// drive the deadline boundary behavior (a zero deadline yields a 504
// Timeout) from a plain JSON client without inventing a second
// header-only channel for it.
type chatRequest struct {
	Model           string        `json:"model"`
	Messages        []chatMessage `json:"messages"`
	Stream          bool          `json:"stream"`
	Temperature     *float64      `json:"temperature,omitempty"`
	Tools           any           `json:"tools,omitempty"` // ignored; controlled server-side
	AllowFallback   *bool         `json:"allow_fallback,omitempty"`
	DeadlineSeconds *float64      `json:"deadline_seconds,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, apperr.New(apperr.Validation, "messages must not be empty"))
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	tier := core.QualityTier(r.Header.Get("X-Quality-Tier"))
	if tier == "" {
		tier = g.Store.Current().QualityTierDefault
	}

	deadline := time.Now().Add(defaultRequestTimeout)
	if body.DeadlineSeconds != nil {
		deadline = time.Now().Add(time.Duration(*body.DeadlineSeconds * float64(time.Second)))
	}
	if !deadline.After(time.Now()) {
		writeError(w, apperr.New(apperr.Timeout, "deadline already elapsed"))
		return
	}

	allowFallback := true
	if body.AllowFallback != nil {
		allowFallback = *body.AllowFallback
	}

	messages := make([]core.Message, len(body.Messages))
	for i, m := range body.Messages {
		messages[i] = core.Message{Role: core.Role(m.Role), Content: m.Content}
	}

	req := core.Request{
		RequestID:     requestID,
		ModelSpec:     body.Model,
		Messages:      messages,
		Stream:        body.Stream,
		QualityTier:   tier,
		Deadline:      deadline,
		AllowFallback: allowFallback,
	}

	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()

	ctx, span := telemetry.Tracer("gateway").Start(ctx, "chat_completions",
		trace.WithAttributes(attribute.String("request.id", requestID), attribute.String("request.model", req.ModelSpec)))
	defer span.End()

	g.Bus.StartStage(requestID, "gateway_dispatch")
	target, resolved := g.route(req.ModelSpec)
	req.ModelSpec = resolved

	var err error
	if body.Stream {
		err = g.streamDispatch(ctx, w, target, req, body.Temperature)
	} else {
		err = g.unaryDispatch(ctx, w, target, req, body.Temperature)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	g.Bus.EndStage(requestID, "gateway_dispatch", outcome)
	g.Bus.CompleteRequest(requestID, outcome)
}

// chatCompletionResponse is the OpenAI-compatible non-streaming body.
type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   core.Usage             `json:"usage"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// unaryDispatch serves a non-streaming chat completion, either straight
// through the Provider Registry or by buffering the Runner's agent stream
// into one final message.
func (g *Gateway) unaryDispatch(ctx context.Context, w http.ResponseWriter, target string, req core.Request, temperature *float64) error {
	if target == "agent" {
		var content string
		var usage core.Usage
		err := g.Runner.StreamAgent(ctx, req, nil, func(ev core.StreamEvent) error {
			switch ev.Kind {
			case core.EventDelta:
				content += ev.Delta
			case core.EventUsage:
				if ev.Usage != nil {
					usage = *ev.Usage
				}
			case core.EventError:
				return apperr.New(apperr.Unavailable, ev.Err)
			}
			return nil
		})
		if err != nil {
			writeError(w, classifyDispatchError(err))
			return err
		}
		writeJSON(w, http.StatusOK, chatCompletionResponse{
			ID: req.RequestID,
			Object: "chat.completion",
			Model: req.ModelSpec,
			Choices: []chatCompletionChoice{{
				Message: chatMessage{Role: string(core.RoleAssistant), Content: content},
				FinishReason: "stop",
			}},
			Usage: usage,
		})
		return nil
	}

	snap := g.Store.Current()
	result, providerID, err := g.Providers.Call(ctx, snap, req, providerrouter.Options{Temperature: temperature})
	if err != nil {
		writeError(w, classifyDispatchError(err))
		return err
	}
	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID: req.RequestID,
		Object: "chat.completion",
		Model: providerID + ":" + req.ModelSpec,
		Choices: []chatCompletionChoice{{
			Message: chatMessage{Role: string(core.RoleAssistant), Content: result.Content},
			FinishReason: "stop",
		}},
		Usage: result.Usage,
	})
	return nil
}

// streamChunk is one SSE data frame for the streaming chat-completions
// endpoint. Tool lifecycle events ride the same frame shape with an extra
// object discriminator, an implementation-defined side channel for
// surfacing tool_start/tool_end to the caller.
type streamChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Model   string              `json:"model"`
	Choices []streamChunkChoice `json:"choices,omitempty"`
	Tool    *streamToolEvent    `json:"tool,omitempty"`
}

type streamChunkChoice struct {
	Index        int            `json:"index"`
	Delta        chatChunkDelta `json:"delta"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type chatChunkDelta struct {
	Content string `json:"content,omitempty"`
}

type streamToolEvent struct {
	Kind string `json:"kind"` // tool_start | tool_end
	Name string `json:"name"`
	ID   string `json:"id"`
}

// streamDispatch serves a streaming chat completion over SSE:
// text/event-stream headers, data:-prefixed JSON frames, flush after
// every write, [DONE] sentinel to close.
func (g *Gateway) streamDispatch(ctx context.Context, w http.ResponseWriter, target string, req core.Request, temperature *float64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "streaming not supported"))
		return apperr.New(apperr.Internal, "streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(v any) {
		b, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	finishReason := "stop"

	emit := func(ev core.StreamEvent) error {
		switch ev.Kind {
		case core.EventDelta:
			write(streamChunk{ID: req.RequestID, Object: "chat.completion.chunk", Model: req.ModelSpec,
				Choices: []streamChunkChoice{{Delta: chatChunkDelta{Content: ev.Delta}}}})
		case core.EventToolStart:
			write(streamChunk{ID: req.RequestID, Object: "tool_event", Model: req.ModelSpec,
				Tool: &streamToolEvent{Kind: "tool_start", Name: ev.ToolName, ID: ev.ToolID}})
		case core.EventToolEnd:
			write(streamChunk{ID: req.RequestID, Object: "tool_event", Model: req.ModelSpec,
				Tool: &streamToolEvent{Kind: "tool_end", Name: ev.ToolName, ID: ev.ToolID}})
		case core.EventError:
			return apperr.New(apperr.Unavailable, ev.Err)
		}
		return nil
	}

	var dispatchErr error
	if target == "agent" {
		dispatchErr = g.Runner.StreamAgent(ctx, req, nil, emit)
	} else {
		snap := g.Store.Current()
		dispatchErr = g.Providers.StreamCall(ctx, snap, req, providerrouter.Options{Temperature: temperature}, emit)
	}
	if dispatchErr != nil {
		finishReason = "error"
		write(streamChunk{ID: req.RequestID, Object: "chat.completion.chunk", Model: req.ModelSpec,
			Choices: []streamChunkChoice{{Delta: chatChunkDelta{}, FinishReason: &finishReason}}})
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return dispatchErr
	}

	write(streamChunk{ID: req.RequestID, Object: "chat.completion.chunk", Model: req.ModelSpec,
		Choices: []streamChunkChoice{{Delta: chatChunkDelta{}, FinishReason: &finishReason}}})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apperr.Error) {
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", err.RetryAfter))
	}
	writeJSON(w, apperr.HTTPStatus(err.Kind), apperr.ToBody(err))
}

// route applies the model-prefix dispatch rule: "agent:", "local:", a
// known provider ID, or a bare model name routed to the default provider.
func (g *Gateway) route(modelSpec string) (target string, resolved string) {
	snap := g.Store.Current()
	if modelSpec == "" {
		modelSpec = snap.DefaultModel
	}
	if strings.HasPrefix(modelSpec, "agent:") {
		return "agent", modelSpec
	}
	if strings.HasPrefix(modelSpec, "local:") {
		return "local", strings.TrimPrefix(modelSpec, "local:")
	}
	if idx := strings.Index(modelSpec, ":"); idx > 0 {
		prefix, rest := modelSpec[:idx], modelSpec[idx+1:]
		for _, p := range snap.Providers {
			if p.ID == prefix {
				return "remote", rest
			}
		}
	}
	for _, p := range snap.Providers {
		if p.Kind != core.ProviderLocal {
			continue
		}
		for _, m := range p.SupportedModels {
			if m == modelSpec {
				return "local", modelSpec
			}
		}
	}
	return "remote", modelSpec
}

func classifyDispatchError(err error) *apperr.Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*apperr.Error); ok {
		return ae
	}
	switch {
	case context.Canceled == err || strings.Contains(err.Error(), "context canceled"):
		return apperr.Wrap(apperr.Cancelled, "request cancelled", err)
	case context.DeadlineExceeded == err || strings.Contains(err.Error(), "deadline exceeded"):
		return apperr.Wrap(apperr.Timeout, "request deadline exceeded", err)
	case strings.Contains(err.Error(), "budget exceeded"):
		return apperr.Wrap(apperr.BudgetExceeded, "budget exceeded", err)
	case strings.Contains(err.Error(), "no providers configured") || strings.Contains(err.Error(), "no driver registered"):
		return apperr.Wrap(apperr.NotFound, "no provider available for requested model", err)
	default:
		return apperr.Wrap(apperr.Unavailable, "upstream call failed", err)
	}
}
