// Package providerrouter is the Provider Registry:
// descriptors for LLM backends with a pluggable driver per provider kind,
// exposing chat_stream(provider_id, model, messages, tools, options) →
// token_stream. Optional driver capabilities (streaming, model discovery)
// are expressed as interface assertions, never probed at runtime beyond
// the assertion itself.
package providerrouter

import (
	"context"

	"github.com/agentoven/router-core/pkg/core"
)

// Options carries the per-call knobs that sit outside core.Request: the
// tool set in effect for the call and a judge-mode override (temperature
// 0, first-token logprobs) used only by the Maître d'. The built-in
// drivers do not serialize Tools onto the wire — tool availability is
// conveyed in the caller's system directive and tool calls come back as
// plain JSON content — so Tools is advisory, there for a driver with a
// native tool mechanism and for the fallback policy's drop-tools rule.
type Options struct {
	Tools       []core.ToolDescriptor
	Temperature *float64
	WantLogprob bool
}

// CallResult is one non-streaming completion. Logprob is non-nil only when
// Options.WantLogprob was set and the provider returned a first-token
// log-probability; callers convert it to a probability as exp(logprob).
type CallResult struct {
	Content string
	Usage   core.Usage
	Logprob *float64
}

// Driver is the interface every provider integration implements.
type Driver interface {
	Kind() string
	Call(ctx context.Context, provider core.ProviderConfig, req core.Request, opts Options) (CallResult, error)
	HealthCheck(ctx context.Context, provider core.ProviderConfig) error
}

// StreamingDriver is an optional capability, checked via type assertion.
type StreamingDriver interface {
	Driver
	StreamCall(ctx context.Context, provider core.ProviderConfig, req core.Request, opts Options, emit func(core.StreamEvent) error) error
}

// ModelDiscoveryDriver is an OPTIONAL capability for providers whose API
// exposes a models-list endpoint.
type ModelDiscoveryDriver interface {
	Driver
	DiscoverModels(ctx context.Context, provider core.ProviderConfig) ([]string, error)
}

// TransientError marks a failure class eligible for fallback. Drivers wrap errors in this when they recognize
// the class; the registry checks only for this wrapper and applies no
// heuristic of its own.
type TransientError struct {
	cause error
}

func (e *TransientError) Error() string { return e.cause.Error() }
func (e *TransientError) Unwrap() error { return e.cause }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{cause: err}
}
