// Package ipc is the local surface the UI talks to: a typed command
// channel plus server-pushed events, carried in-process and over a
// loopback websocket.
package ipc

import (
	"sync"

	"github.com/GoAlgoDesk/algodesk/internal/pkg/logger"
)

// Event is one server-pushed message.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans events out to subscribers. Emission never blocks: a
// subscriber that stops draining loses its oldest events, not the whole
// process.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be
// called exactly once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
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

// Emit pushes an event to every subscriber.
func (h *Hub) Emit(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- Event{Name: event, Payload: payload}:
		default:
			// Drop the oldest to make room; a UI that lags gets the
			// freshest state.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- Event{Name: event, Payload: payload}:
			default:
			}
		}
	}
}

// Close tears every subscription down.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	logger.Debug("IPC hub closed")
}
