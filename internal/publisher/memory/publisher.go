// Package memory keeps published completion notifications in memory. It backs
// the pool when no Pub/Sub topic is configured and doubles as a test publisher.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
	limit    int
	seq      int
	err      error
}

// Message captures one publish call.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a Publisher that keeps every message.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a Publisher that keeps only the newest limit messages.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// FailWith makes every later Publish return err. A nil err restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a sequential id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.err)
	}
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]Message(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return id, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
