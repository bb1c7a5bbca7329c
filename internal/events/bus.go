// Package events fans out fire-and-forget signals (reactions, chat pings)
// between the connections of one room.
package events

import (
	"encoding/json"
	"sync"
)

// Event is an opaque broadcast signal
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Handler func(from string, ev Event)

// Bus delivers every published event to every subscriber except its sender.
type Bus struct {
	subscribers map[string]Handler
	mu          sync.RWMutex
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]Handler)}
}

// Subscribe registers connID's receiver, replacing any previous one.
func (b *Bus) Subscribe(connID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.subscribers[connID] = handler
	b.mu.Unlock()

	return func() { b.Unsubscribe(connID) }
}

func (b *Bus) Unsubscribe(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, connID)
}

// Publish hands ev to every other subscriber and returns how many received it.
// Handlers must not block.
func (b *Bus) Publish(from string, ev Event) int {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subscribers))
	for id, h := range b.subscribers {
		if id != from {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(from, ev)
	}
	return len(targets)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
