// Package stream fans invoice status events out to subscribers. The
// notification subsystem consumes these; publishing is fire-and-forget
// so a slow or absent subscriber can never roll back a ledger
// transaction.
package stream

import (
	"context"
	"sync"
	"time"
)

// InvoiceEvent describes an invoice status transition.
type InvoiceEvent struct {
	InvoiceID string    `json:"invoice_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	Remaining int64     `json:"remaining"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fan-outs invoice events to all active subscribers (SSE clients,
// the notification worker).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan InvoiceEvent
	next int
}

// New initialises an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[int]chan InvoiceEvent)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive events. The channel is closed when the provided context ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan InvoiceEvent {
	ch := make(chan InvoiceEvent, 16)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (h *Hub) Publish(evt InvoiceEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop when a subscriber is slow to avoid blocking.
		}
	}
}
