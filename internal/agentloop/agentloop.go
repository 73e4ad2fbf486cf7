// Package agentloop is the Agent Loop: operates one request
// inside the Runner, driving a bounded model↔tool iteration loop and
// delivering a token stream back to the Gateway.
//
// Each iteration streams one completion, parses any tool calls from the
// finished assistant turn, dispatches them in parallel via
// golang.org/x/sync/errgroup, feeds the observations back into the
// message list, and repeats until the model answers without tools or the
// iteration/deadline budget runs out.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentoven/router-core/internal/config"
	"github.com/agentoven/router-core/internal/providerrouter"
	"github.com/agentoven/router-core/pkg/core"
)

// DefaultMaxIterations bounds the loop when no explicit budget is set.
const DefaultMaxIterations = 10

const terminalDirective = "You have reached the maximum number of tool-use steps for this request. " +
	"Produce a final answer now using only what you already know; do not request any further tool calls."

// systemToolDirective describes the tool-call JSON convention to the model.
func systemToolDirective(tools []core.ToolDescriptor) string {
	if len(tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, t := range tools {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", t.CanonicalName, t.Description))
	}
	sb.WriteString("\nTo call tools, respond with ONLY a JSON object shaped as " +
		`{"tool_calls": [{"id": "call_1", "canonical_name": "...", "arguments": {...}}]}` +
		". Otherwise respond normally with your final answer.")
	return sb.String()
}

// ToolExecutor is the Invoke contract the Agent Loop needs from the MCP
// Transport Layer, named locally so this package doesn't import
// mcptransport's full surface (only ToolResult matters here).
type ToolExecutor interface {
	Invoke(ctx context.Context, serverID, tool string, args map[string]any, deadline time.Time) (ToolResult, error)
}

// ToolResult is the normalized outcome of one tool invocation, shaped to
// match mcptransport.ToolResult field-for-field so the Runner's adapter is a
// trivial pass-through.
type ToolResult struct {
	Content string
	IsError bool
}

// EventSink receives tool-dispatch and loop-termination events for the
// Observability Bus.
type EventSink interface {
	RecordEvent(category string, severity string, payload map[string]any)
}

// Loop runs the bounded model-call/tool-dispatch iteration for one request.
type Loop struct {
	providers     *providerrouter.Registry
	tools         ToolExecutor
	maxIterations int
	sink          EventSink
}

// New constructs a Loop. A negative maxIterations uses DefaultMaxIterations;
// zero is meaningful and makes every Run a pure completion with no tools.
func New(providers *providerrouter.Registry, tools ToolExecutor, maxIterations int, sink EventSink) *Loop {
	if maxIterations < 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Loop{providers: providers, tools: tools, maxIterations: maxIterations, sink: sink}
}

// toolCallsWrapper is the {"tool_calls": [...]} envelope the model is
// asked to emit when it wants tools.
type toolCallsWrapper struct {
	ToolCalls []core.ToolCall `json:"tool_calls"`
}

// parseToolCalls extracts tool calls from a completed assistant turn's
// buffered content: try the {"tool_calls": [...]} wrapper first, then a
// bare array, assigning synthetic IDs to any call missing one.
func parseToolCalls(content string) []core.ToolCall {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	var wrapper toolCallsWrapper
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		assignIDs(wrapper.ToolCalls)
		return wrapper.ToolCalls
	}

	var calls []core.ToolCall
	if err := json.Unmarshal([]byte(trimmed), &calls); err == nil && len(calls) > 0 {
		assignIDs(calls)
		return calls
	}

	return nil
}

func assignIDs(calls []core.ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
	}
}

// Run drives the loop for one request, forwarding content deltas and
// side-channel tool_start/tool_end events to emit, and terminating with an
// EventEnd (success) or EventError (failure/cancellation) as its last call.
func (l *Loop) Run(ctx context.Context, snap *config.Snapshot, req core.Request, effectiveTools []core.ToolDescriptor, deadline time.Time, emit func(core.StreamEvent) error) error {
	if l.maxIterations == 0 {
		effectiveTools = nil // pure completion: no tools advertised, no tool turns
	}
	byName := make(map[string]core.ToolDescriptor, len(effectiveTools))
	for _, t := range effectiveTools {
		byName[t.CanonicalName] = t
	}

	messages := append([]core.Message{}, req.Messages...)
	if directive := systemToolDirective(effectiveTools); directive != "" {
		messages = append([]core.Message{{Role: core.RoleSystem, Content: directive}}, messages...)
	}

	iteration := 0
	terminalTriggered := l.maxIterations == 0
	var totalUsage core.Usage

	for {
		turnTools := effectiveTools
		if terminalTriggered {
			turnTools = nil // the terminal turn offers no tools, forcing a final answer
		}

		turnReq := req
		turnReq.Messages = messages

		var buf strings.Builder
		var turnUsage core.Usage
		err := l.providers.StreamCall(ctx, snap, turnReq, providerrouter.Options{Tools: turnTools}, func(ev core.StreamEvent) error {
			switch ev.Kind {
			case core.EventDelta:
				buf.WriteString(ev.Delta) // buffered: not yet known whether this turn is tool-call JSON
			case core.EventUsage:
				if ev.Usage != nil {
					turnUsage = *ev.Usage
				}
			}
			return nil
		})
		if ctx.Err() != nil {
			return emit(core.StreamEvent{Kind: core.EventError, Err: "cancelled"})
		}
		if err != nil {
			return emit(core.StreamEvent{Kind: core.EventError, Err: err.Error()})
		}

		totalUsage.InputTokens += turnUsage.InputTokens
		totalUsage.OutputTokens += turnUsage.OutputTokens
		totalUsage.TotalTokens += turnUsage.TotalTokens
		totalUsage.EstimatedCost += turnUsage.EstimatedCost

		content := buf.String()
		var toolCalls []core.ToolCall
		if !terminalTriggered {
			toolCalls = parseToolCalls(content)
		}

		if len(toolCalls) == 0 {
			if content != "" {
				if err := emit(core.StreamEvent{Kind: core.EventDelta, Delta: content}); err != nil {
					return err
				}
			}
			return emit(core.StreamEvent{Kind: core.EventEnd, Usage: &totalUsage})
		}

		valid, invalidNames := filterValid(toolCalls, byName)
		for _, name := range invalidNames {
			if l.sink != nil {
				l.sink.RecordEvent("tool_call_rejected", "warn", map[string]any{"canonical_name": name})
			}
		}

		results, err := l.dispatch(ctx, valid, deadline, emit)
		if err != nil {
			return emit(core.StreamEvent{Kind: core.EventError, Err: err.Error()})
		}

		messages = append(messages, core.Message{Role: core.RoleAssistant, Content: content, ToolCalls: valid})
		for _, tc := range valid {
			messages = append(messages, core.Message{
				Role:       core.RoleTool,
				Content:    results[tc.ID],
				ToolCallID: tc.ID,
				Name:       tc.CanonicalName,
			})
		}

		iteration++
		pastDeadline := !deadline.IsZero() && time.Now().After(deadline)
		if (iteration >= l.maxIterations || pastDeadline) && !terminalTriggered {
			messages = append(messages, core.Message{Role: core.RoleSystem, Content: terminalDirective})
			terminalTriggered = true
		}
	}
}

// filterValid keeps only tool calls whose canonical_name is in the
// effective tool set.
func filterValid(calls []core.ToolCall, byName map[string]core.ToolDescriptor) ([]core.ToolCall, []string) {
	var valid []core.ToolCall
	var rejected []string
	for _, c := range calls {
		if _, ok := byName[c.CanonicalName]; ok {
			valid = append(valid, c)
		} else {
			rejected = append(rejected, c.CanonicalName)
		}
	}
	return valid, rejected
}

// dispatch runs every validated tool call in parallel via errgroup, each
// bounded by the request deadline (the per-server semaphore lives inside
// the MCP Transport Layer's Manager, not here). Results are returned keyed
// by call ID so the caller can append them to the message list in the
// order the call IDs appeared in the assistant message, independent of
// completion order.
func (l *Loop) dispatch(ctx context.Context, calls []core.ToolCall, deadline time.Time, emit func(core.StreamEvent) error) (map[string]string, error) {
	results := make(map[string]string, len(calls))
	if len(calls) == 0 {
		return results, nil
	}

	for _, c := range calls {
		if err := emit(core.StreamEvent{Kind: core.EventToolStart, ToolID: c.ID, ToolName: c.CanonicalName}); err != nil {
			return nil, err
		}
	}

	type outcome struct {
		id      string
		content string
	}
	outcomes := make([]outcome, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		i, c := i, c
		server, tool := splitCanonical(c.CanonicalName)
		g.Go(func() error {
			res, err := l.tools.Invoke(gctx, server, tool, c.Arguments, deadline)
			if err != nil {
				outcomes[i] = outcome{id: c.ID, content: fmt.Sprintf("error: %v", err)}
				return nil // a tool error is reported back to the model, not a loop failure
			}
			content := res.Content
			if res.IsError {
				content = "error: " + content
			}
			outcomes[i] = outcome{id: c.ID, content: content}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err // cancellation or context error: partial results discarded
	}

	for i, c := range calls {
		results[c.ID] = outcomes[i].content
		if err := emit(core.StreamEvent{Kind: core.EventToolEnd, ToolID: c.ID, ToolName: c.CanonicalName}); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// splitCanonical splits a canonical tool name into its server and
// local-tool components, per the Tool Catalog's naming convention
// (mcp__{server}__{tool} or fs__{op}).
func splitCanonical(canonical string) (server, tool string) {
	if rest, ok := strings.CutPrefix(canonical, "mcp__"); ok {
		if idx := strings.Index(rest, "__"); idx >= 0 {
			return rest[:idx], rest[idx+2:]
		}
		return rest, rest
	}
	if rest, ok := strings.CutPrefix(canonical, "fs__"); ok {
		return "fs", rest
	}
	idx := strings.Index(canonical, "__")
	if idx < 0 {
		return canonical, canonical
	}
	return canonical[:idx], canonical[idx+2:]
}
