// Package memory contains an in-process Publisher used by tests and by
// deployments without a message broker.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher keeps every published payload in memory, optionally capped.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	seq      int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns an unbounded memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a Publisher that keeps only the newest limit messages.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("memory publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns the recorded publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
