// Package stream fans audit events out to live subscribers. The hub
// doubles as an audit.Recorder so it can sit alongside the durable
// recorders in a Multi.
package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"memvault.org/internal/audit"
)

const subscriberBuffer = 64

// Hub broadcasts events to subscribers. Slow subscribers lose events
// rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan audit.Event
	next   int
	closed bool
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[int]chan audit.Event), logger: logger}
}

// Subscribe registers a listener. The returned channel closes when
// cancel is called or the hub shuts down.
func (h *Hub) Subscribe() (<-chan audit.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan audit.Event)
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	ch := make(chan audit.Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Record publishes one event to every subscriber.
func (h *Hub) Record(_ context.Context, e audit.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Debug("dropping event for slow subscriber", zap.Int("subscriber", id))
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

var _ audit.Recorder = (*Hub)(nil)
