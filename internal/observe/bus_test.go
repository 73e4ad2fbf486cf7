package observe_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/router-core/internal/observe"
)

func TestBus_RecordEventAndSnapshot(t *testing.T) {
	b := observe.New(observe.BufferSizes{Events: 8, Lifecycles: 8})
	b.RecordEvent("breaker_transition", "warn", map[string]any{"target": "flaky"})

	snap := b.ExportSnapshot()
	require.Len(t, snap.Events, 1)
	assert.Equal(t, "breaker_transition", snap.Events[0].Category)
	assert.Equal(t, observe.SeverityWarn, snap.Events[0].Severity)
	assert.Zero(t, snap.DroppedEvents)
}

func TestBus_RingBufferEvictsOldestAndCountsDrops(t *testing.T) {
	b := observe.New(observe.BufferSizes{Events: 3, Lifecycles: 3})
	for i := 0; i < 5; i++ {
		b.RecordEvent(fmt.Sprintf("ev-%d", i), "info", nil)
	}

	snap := b.ExportSnapshot()
	require.Len(t, snap.Events, 3)
	assert.Equal(t, "ev-2", snap.Events[0].Category)
	assert.Equal(t, "ev-4", snap.Events[2].Category)
	assert.Equal(t, uint64(2), snap.DroppedEvents)
}

func TestBus_StageLifecycle(t *testing.T) {
	b := observe.New(observe.DefaultBufferSizes())
	b.StartStage("req-1", "gateway_dispatch")
	b.StartStage("req-1", "agent_loop")
	b.EndStage("req-1", "agent_loop", "ok")
	b.EndStage("req-1", "gateway_dispatch", "ok")
	b.CompleteRequest("req-1", "ok")

	snap := b.ExportSnapshot()
	require.Len(t, snap.Lifecycles, 1)
	rec := snap.Lifecycles[0]
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, "ok", rec.Outcome)
	require.Len(t, rec.Stages, 2)
	assert.Equal(t, "gateway_dispatch", rec.Stages[0].Name)
	assert.Equal(t, "ok", rec.Stages[0].Outcome)
	assert.False(t, rec.Stages[1].Ended.IsZero())
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestBus_CompleteRequestWithoutStages(t *testing.T) {
	b := observe.New(observe.DefaultBufferSizes())
	b.CompleteRequest("req-ghost", "error")

	snap := b.ExportSnapshot()
	require.Len(t, snap.Lifecycles, 1)
	assert.Empty(t, snap.Lifecycles[0].Stages)
	assert.Equal(t, "error", snap.Lifecycles[0].Outcome)
}

func TestBus_ComponentHealthTracksLastChange(t *testing.T) {
	b := observe.New(observe.DefaultBufferSizes())
	b.UpdateComponentHealth("mcp:time", "healthy", "", nil)
	b.UpdateComponentHealth("mcp:time", "degraded", "dial refused", nil)

	snap := b.ExportSnapshot()
	require.Len(t, snap.ComponentHealth, 1)
	h := snap.ComponentHealth[0]
	assert.Equal(t, observe.HealthDegraded, h.Status)
	assert.Equal(t, "dial refused", h.LastError)
	assert.False(t, h.LastChange.IsZero())
}
