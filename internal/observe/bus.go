// Package observe is the Observability Bus: an in-process
// sink for request lifecycles, component health, and error/metric events.
// Every other component writes here; nothing downstream of a producer call
// blocks on I/O — buffers are bounded ring buffers guarded by one mutex
// each, and producers never hold the lock across a blocking operation.
package observe

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity classifies a recorded event.
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityError Severity = "error"
)

// Event is one entry recorded via RecordEvent.
type Event struct {
	Category string
	Severity Severity
	Payload  map[string]any
	At       time.Time
}

// Stage is one named phase of a request's lifecycle.
type Stage struct {
	Name     string
	Started  time.Time
	Ended    time.Time
	Outcome  string
	Metadata map[string]any
}

// LifecycleRecord is the observability entity for one request.
type LifecycleRecord struct {
	RequestID   string
	Stages      []Stage
	StartedAt   time.Time
	CompletedAt time.Time
	Outcome     string
}

// HealthStatus is the tri-state health of one component.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the last-known health of one component.
type ComponentHealth struct {
	ComponentID string
	Status      HealthStatus
	LastChange  time.Time
	LastError   string
	Details     map[string]any
}

// ringBuffer is a bounded, mutex-guarded FIFO. When full, the oldest entry
// is evicted and dropped is incremented. It never blocks.
type ringBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	cap     int
	dropped uint64
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer[T]{items: make([]T, 0, capacity), cap: capacity}
}

func (b *ringBuffer[T]) push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.cap {
		// evict oldest
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		b.dropped++
	}
	b.items = append(b.items, item)
}

func (b *ringBuffer[T]) snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

func (b *ringBuffer[T]) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// BufferSizes configures the capacity of each ring buffer the Bus keeps.
type BufferSizes struct {
	Events     int
	Lifecycles int
}

// DefaultBufferSizes are the production defaults.
func DefaultBufferSizes() BufferSizes {
	return BufferSizes{Events: 4096, Lifecycles: 2048}
}

// Bus is the Observability Bus. Zero value is not usable; construct with New.
type Bus struct {
	events     *ringBuffer[Event]
	lifecycles *ringBuffer[*LifecycleRecord]

	mu       sync.Mutex
	inFlight map[string]*LifecycleRecord // request_id -> record, while still open
	health   map[string]*ComponentHealth
}

// New constructs a Bus with the given buffer sizes.
func New(sizes BufferSizes) *Bus {
	return &Bus{
		events:     newRingBuffer[Event](sizes.Events),
		lifecycles: newRingBuffer[*LifecycleRecord](sizes.Lifecycles),
		inFlight:   make(map[string]*LifecycleRecord),
		health:     make(map[string]*ComponentHealth),
	}
}

// RecordEvent appends one event to the bus. Never blocks; logs through
// zerolog at a level matching Severity so operators get both the ring
// buffer and the standard log stream. severity is a plain string (one of
// SeverityInfo/SeverityWarn/SeverityError) rather than the Severity type
// itself so that *Bus satisfies the narrow EventSink interfaces that
// breaker, budget, and mcptransport each declare locally — those packages
// depend on observe for nothing but this one method and must not import
// the observe package just to name its Severity type.
func (b *Bus) RecordEvent(category string, severity string, payload map[string]any) {
	sev := Severity(severity)
	ev := Event{Category: category, Severity: sev, Payload: payload, At: time.Now()}
	b.events.push(ev)

	logEv := log.Info()
	switch sev {
	case SeverityWarn:
		logEv = log.Warn()
	case SeverityError:
		logEv = log.Error()
	}
	logEv.Str("category", category).Fields(payload).Msg("event")
}

// StartStage opens (or reopens) the named stage for requestID, creating the
// LifecycleRecord if this is the first stage seen for that request.
func (b *Bus) StartStage(requestID, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.inFlight[requestID]
	if !ok {
		rec = &LifecycleRecord{RequestID: requestID, StartedAt: time.Now()}
		b.inFlight[requestID] = rec
	}
	rec.Stages = append(rec.Stages, Stage{Name: name, Started: time.Now()})
}

// EndStage closes the most recent open stage of the given name for requestID.
func (b *Bus) EndStage(requestID, name, outcome string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.inFlight[requestID]
	if !ok {
		return
	}
	for i := len(rec.Stages) - 1; i >= 0; i-- {
		if rec.Stages[i].Name == name && rec.Stages[i].Ended.IsZero() {
			rec.Stages[i].Ended = time.Now()
			rec.Stages[i].Outcome = outcome
			return
		}
	}
}

// CompleteRequest closes out the lifecycle record for requestID and moves it
// into the bounded history buffer. Safe to call even if no stage was ever
// started (records an empty-stage lifecycle).
func (b *Bus) CompleteRequest(requestID, outcome string) {
	b.mu.Lock()
	rec, ok := b.inFlight[requestID]
	if !ok {
		rec = &LifecycleRecord{RequestID: requestID, StartedAt: time.Now()}
	} else {
		delete(b.inFlight, requestID)
	}
	b.mu.Unlock()

	rec.CompletedAt = time.Now()
	rec.Outcome = outcome
	b.lifecycles.push(rec)
}

// UpdateComponentHealth records the latest health for a component. status is
// a plain string (one of HealthHealthy/HealthDegraded/HealthUnhealthy) for
// the same reason RecordEvent's severity is: it lets *Bus satisfy the
// narrow EventSink interfaces that mcptransport and others declare locally
// without those packages importing observe just to name HealthStatus.
func (b *Bus) UpdateComponentHealth(componentID string, status string, lastErr string, details map[string]any) {
	hs := HealthStatus(status)
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, existed := b.health[componentID]
	if existed && prev.Status == hs && lastErr == "" {
		// no material change; still refresh details but not LastChange
		prev.Details = details
		return
	}
	b.health[componentID] = &ComponentHealth{
		ComponentID: componentID,
		Status:      hs,
		LastChange:  time.Now(),
		LastError:   lastErr,
		Details:     details,
	}
}

// Snapshot is the point-in-time read returned by ExportSnapshot.
type Snapshot struct {
	Events            []Event
	Lifecycles        []*LifecycleRecord
	ComponentHealth   []ComponentHealth
	DroppedEvents     uint64
	DroppedLifecycles uint64
}

// ExportSnapshot reads the bus under one brief mutual-exclusion window per
// buffer, so a consistent copy is always returned to admin callers.
func (b *Bus) ExportSnapshot() Snapshot {
	b.mu.Lock()
	health := make([]ComponentHealth, 0, len(b.health))
	for _, h := range b.health {
		health = append(health, *h)
	}
	b.mu.Unlock()

	return Snapshot{
		Events:            b.events.snapshot(),
		Lifecycles:        b.lifecycles.snapshot(),
		ComponentHealth:   health,
		DroppedEvents:     b.events.droppedCount(),
		DroppedLifecycles: b.lifecycles.droppedCount(),
	}
}
