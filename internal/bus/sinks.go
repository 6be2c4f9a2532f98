package bus

import (
	"context"
	"log/slog"
)

// ChanSink sends events to a channel, dropping them when it is full.
type ChanSink struct {
	ch chan<- Event
}

// NewChanSink creates a sink that sends to ch. The channel should be buffered.
func NewChanSink(ch chan<- Event) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	default:
	}
}

// FuncSink adapts a function.
type FuncSink func(ctx context.Context, e Event)

func (f FuncSink) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes events to slog at debug level. Token events are skipped.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	if e.Type == TokenStreamed {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("agent event",
		"type", e.Type,
		"conversation", e.ConversationID,
		"state", e.State,
		"iteration", e.Iteration,
		"tool", e.Tool,
		"outcome", e.Outcome,
	)
}

// EventStore persists events. The timeline service implements it.
type EventStore interface {
	AddEvent(e Event) error
}

// StoreSink records events in an EventStore. Token events are not stored.
type StoreSink struct {
	Store EventStore
}

func (s StoreSink) Emit(ctx context.Context, e Event) {
	if e.Type == TokenStreamed {
		return
	}
	if err := s.Store.AddEvent(e); err != nil {
		slog.Warn("store event failed", "type", e.Type, "error", err)
	}
}
