// Package runner is the Runner process's composition root, split into its
// own binary because it alone owns the MCP Transport Layer's subprocess
// handles and connections.
//
// The Runner owns: the Config Store, its own Observability Bus, the
// Circuit Breaker Registry, the Budget Ledger, the MCP Transport Layer,
// the Tool Catalog, a Provider Registry (used internally by the Maître
// d' judge calls and the Agent Loop's model turns), the Maître d', and
// the Agent Loop. The Gateway process holds its own independent Provider
// Registry/breaker/budget instances for direct (non-agent) dispatch; the
// two processes share none of this in-memory state.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/router-core/internal/agentloop"
	"github.com/agentoven/router-core/internal/breaker"
	"github.com/agentoven/router-core/internal/budget"
	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/maitred"
	"github.com/agentoven/router-core/internal/mcptransport"
	"github.com/agentoven/router-core/internal/observe"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/internal/telemetry"
	"github.com/agentoven/router-core/internal/toolcatalog"
	"github.com/agentoven/router-core/pkg/core"
)

// Runtime holds every component the Runner process owns for its lifetime.
type Runtime struct {
	Env *config.Env

	Store     *config.Store
	Bus       *observe.Bus
	Breakers  *breaker.Registry
	Ledger    *budget.Ledger
	Transport *mcptransport.Manager
	Catalog   *toolcatalog.Catalog
	FS        *toolcatalog.FSExecutor
	Providers *providerrouter.Registry
	Maitred   *maitred.Selector
	Loop      *agentloop.Loop
}

// toolExecutorAdapter satisfies agentloop.ToolExecutor by routing "fs"
// canonical-name calls to the sandboxed FSExecutor and everything else to
// the MCP Transport Layer, since the Tool Catalog's built-in fs__* ops
// have no MCP server backing them.
type toolExecutorAdapter struct {
	fs        *toolcatalog.FSExecutor
	transport *mcptransport.Manager
}

func (a *toolExecutorAdapter) Invoke(ctx context.Context, serverID, tool string, args map[string]any, deadline time.Time) (agentloop.ToolResult, error) {
	if serverID == "fs" {
		content, err := a.fs.Call(tool, args)
		if err != nil {
			return agentloop.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return agentloop.ToolResult{Content: content}, nil
	}
	res, err := a.transport.Invoke(ctx, serverID, tool, args, deadline)
	if err != nil {
		return agentloop.ToolResult{}, err
	}
	return agentloop.ToolResult{Content: res.Content, IsError: res.IsError}, nil
}

// New wires every component in dependency order, leaves first, and
// performs the initial MCP reconcile and catalog refresh.
func New(ctx context.Context, env *config.Env) (*Runtime, error) {
	store, err := config.NewStore(env.ConfigFilePath)
	if err != nil {
		return nil, fmt.Errorf("config store: %w", err)
	}
	snap := store.Current()

	bus := observe.New(observe.DefaultBufferSizes())
	breakers := breaker.NewRegistry(breaker.Config{}, bus)
	ledger := budget.NewLedger(snap.Budget.LimitUnits, snap.Budget.FailOpenPolicy, bus)

	transport := mcptransport.NewManager(breakers, bus)
	transport.Reconcile(ctx, snap.MCPServers)

	fsExec, err := toolcatalog.NewFSExecutor(env.FSRoot, env.MaxReadBytes)
	if err != nil {
		return nil, fmt.Errorf("fs executor: %w", err)
	}
	catalog := toolcatalog.New(env.FSRoot, transport)
	if _, err := catalog.Refresh(); err != nil {
		log.Warn().Err(err).Msg("runner: initial tool catalog refresh failed")
	}

	providers := providerrouter.NewRegistry(nil, breakers, ledger, bus)
	selector := maitred.New(providers, catalog, bus)

	exec := &toolExecutorAdapter{fs: fsExec, transport: transport}
	loop := agentloop.New(providers, exec, env.MaxToolSteps, bus)

	return &Runtime{
		Env:       env,
		Store:     store,
		Bus:       bus,
		Breakers:  breakers,
		Ledger:    ledger,
		Transport: transport,
		Catalog:   catalog,
		FS:        fsExec,
		Providers: providers,
		Maitred:   selector,
		Loop:      loop,
	}, nil
}

// StartMaintenance launches the MCP Transport Layer's redial sweep,
// republishing the Tool Catalog whenever a degraded server recovers.
// Returns immediately; the sweep runs until ctx is cancelled.
func (rt *Runtime) StartMaintenance(ctx context.Context) {
	go rt.Transport.Watch(ctx, func() {
		if _, err := rt.Catalog.Refresh(); err != nil {
			log.Warn().Err(err).Msg("runner: tool catalog refresh after server recovery failed")
		}
	})
}

// agentModel resolves the underlying completion model an "agent:" prefixed
// request should use: the profile name after the prefix is accepted for
// forward compatibility with named agent profiles, but today every agent
// request runs against the Config Store's default model.
func agentModel(snap *config.Snapshot, modelSpec string) string {
	_ = strings.TrimPrefix(modelSpec, "agent:")
	return snap.DefaultModel
}

// StreamAgent runs one request through the Maître d' and then the Agent
// Loop, the two components only the Runner process owns, and is invoked by
// the Gateway via the internal HTTP surface whenever model_spec carries the
// "agent:" prefix.
func (rt *Runtime) StreamAgent(ctx context.Context, req core.Request, recallHints []string, emit func(core.StreamEvent) error) error {
	ctx, span := telemetry.Tracer("runner").Start(ctx, "agent_stream",
		trace.WithAttributes(attribute.String("request.id", req.RequestID)))
	defer span.End()

	snap := rt.Store.Current()
	rt.Bus.StartStage(req.RequestID, "maitred_select")
	effectiveTools, decision := rt.Maitred.Select(ctx, snap, req.Messages, recallHints)
	rt.Bus.EndStage(req.RequestID, "maitred_select", "ok")
	rt.Bus.RecordEvent("maitred_decision", "info", map[string]any{
		"request_id": req.RequestID, "target_servers": decision.TargetServers, "confidence": decision.Confidence,
	})

	turnReq := req
	turnReq.ModelSpec = agentModel(snap, req.ModelSpec)

	rt.Bus.StartStage(req.RequestID, "agent_loop")
	err := rt.Loop.Run(ctx, snap, turnReq, effectiveTools, req.Deadline, emit)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rt.Bus.EndStage(req.RequestID, "agent_loop", outcome)
	rt.Bus.CompleteRequest(req.RequestID, outcome)
	return err
}

// Reload re-reads the Config Store's backing file and reconciles the MCP
// Transport Layer and Tool Catalog against the new snapshot, the Runner's
// half of POST /admin/reload (the Gateway reloads its own independent
// Store instance for the same file).
func (rt *Runtime) Reload(ctx context.Context) (*config.Snapshot, error) {
	snap, err := rt.Store.Reload()
	if err != nil {
		return nil, err
	}
	rt.Transport.Reconcile(ctx, snap.MCPServers)
	if _, err := rt.Catalog.Refresh(); err != nil {
		log.Warn().Err(err).Msg("runner: tool catalog refresh after reload failed")
	}
	return snap, nil
}

// Shutdown closes the MCP Transport Layer's connections in deterministic
// order.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.Transport.Shutdown(ctx)
}
