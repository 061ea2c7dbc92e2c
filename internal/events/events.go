// Package events defines the structured events the core emits for
// external collaborators (chat-bot notifiers, alerting). The core never
// formats human-readable messages; subscribers do.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	QuotaThresholdCrossed = "quota.threshold_crossed"
	MigrationCompleted    = "migration.completed"
	MigrationFailed       = "migration.failed"
	EndpointUnhealthy     = "endpoint.unhealthy"
)

// Event is a structured notification.
type Event struct {
	Type string            `json:"type"`
	Time time.Time         `json:"time"`
	Data map[string]string `json:"data,omitempty"`
}

// Publisher delivers events to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards events. Used when events are disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of all published events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// ByType returns published events matching the given type.
func (p *MemoryPublisher) ByType(t string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (p *MemoryPublisher) Close() error { return nil }
