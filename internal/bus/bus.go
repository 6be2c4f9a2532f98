// Package bus carries agent events from running loops to presentation and
// persistence sinks. Publishing never blocks and delivery is best-effort.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names an agent event.
type EventType string

const (
	StateChanged      EventType = "state_changed"
	TokenStreamed     EventType = "token_streamed"
	ToolStarted       EventType = "tool_started"
	ToolCompleted     EventType = "tool_completed"
	ApprovalRequested EventType = "approval_requested"
	ApprovalResolved  EventType = "approval_resolved"
	LoopCompleted     EventType = "loop_completed"
)

// Event is one observable step of an agent loop.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	State          string         `json:"state,omitempty"`
	Iteration      int            `json:"iteration"`
	Tool           string         `json:"tool,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Fragment       string         `json:"fragment,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Time           time.Time      `json:"time"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Stamp fills in the id and timestamp of an event when missing.
func Stamp(e Event) Event {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return e
}

// Bus decouples loops from sinks. Emit enqueues without blocking; Run
// dispatches queued events to every subscribed sink.
type Bus struct {
	events  chan Event
	subs    []Sink
	dropped atomic.Uint64
	mu      sync.RWMutex
}

// New creates a bus with the given queue size.
func New(size int) *Bus {
	if size <= 0 {
		size = 1024
	}
	return &Bus{events: make(chan Event, size)}
}

// Subscribe registers a sink for all events.
func (b *Bus) Subscribe(s Sink) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Emit enqueues an event. When the queue is full the event is dropped.
func (b *Bus) Emit(ctx context.Context, e Event) {
	select {
	case b.events <- Stamp(e):
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("event bus full, dropping events", "dropped", n)
		}
	}
}

// Run dispatches events until ctx is done, then flushes what is queued.
// This should be run as a goroutine.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.flush()
			return ctx.Err()
		case e := <-b.events:
			b.dispatch(e)
		}
	}
}

func (b *Bus) flush() {
	for {
		select {
		case e := <-b.events:
			b.dispatch(e)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	// Sinks see a context that outlives the loop that emitted the event.
	ctx := context.Background()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("event sink panicked", "type", e.Type, "panic", r)
				}
			}()
			s.Emit(ctx, e)
		}()
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	return len(b.events)
}

// Dropped returns how many events were dropped because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
