package events

import (
	"context"
	"log/slog"
	"sync"

	"clawtrust/logger"
)

// MemoryPublisher records events in order. Tests assert against it.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, evts ...Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Of returns the recorded events of type t.
func (p *MemoryPublisher) Of(t Type) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogPublisher writes events to the structured log only.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = logger.Named("events")
	}
	return &LogPublisher{log: l}
}

func (p *LogPublisher) Publish(ctx context.Context, evts ...Event) error {
	for _, e := range evts {
		p.log.InfoContext(ctx, "domain event",
			"event_id", e.ID,
			"type", e.Type,
			"aggregate_id", e.AggregateID,
			"payload", e.Payload,
		)
	}
	return nil
}

// Send lets the log publisher stand in as relay sink when no broker is configured.
func (p *LogPublisher) Send(ctx context.Context, m Message) error {
	p.log.InfoContext(ctx, "relayed event",
		"message_id", m.ID,
		"topic", m.Topic,
		"payload", string(m.Payload),
	)
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) error { return nil }
