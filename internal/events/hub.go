// Package events fans committed ledger events out to live subscribers.
package events

import (
	"sync"

	"go.uber.org/zap"

	"marketledger.mini/mkl/internal/types"
)

// Hub broadcasts events to every subscriber. Slow subscribers miss events
// rather than stall the ledger.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan types.Event]struct{}
	logger  *zap.Logger
	gauge   func(int)
	dropped uint64
}

// NewHub creates a hub. onCount, if set, is told the subscriber count after
// every change.
func NewHub(logger *zap.Logger, onCount func(int)) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[chan types.Event]struct{}),
		logger:  logger,
		gauge:   onCount,
	}
}

// Subscribe registers a new subscriber with a buffer of size events.
func (h *Hub) Subscribe(size int) chan types.Event {
	if size <= 0 {
		size = 16
	}
	ch := make(chan types.Event, size)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.report(n)
	return ch
}

// Unsubscribe removes ch and closes it. It is safe to call twice.
func (h *Hub) Unsubscribe(ch chan types.Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, ch)
	close(ch)
	n := len(h.clients)
	h.mu.Unlock()
	h.report(n)
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.dropped++
			h.logger.Debug("event subscriber is behind, dropping event",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)))
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) report(n int) {
	if h.gauge != nil {
		h.gauge(n)
	}
}
