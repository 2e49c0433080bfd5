// Package memory contains an in-memory event publisher for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published fleet events for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Kinds returns the "kind" field of every map-shaped payload, in order.
func (p *Publisher) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var kinds []string
	for _, m := range p.messages {
		if fields, ok := m.Payload.(map[string]string); ok {
			kinds = append(kinds, fields["kind"])
		}
	}
	return kinds
}
