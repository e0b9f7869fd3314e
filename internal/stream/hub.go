// Package stream fans recorded audit events out to live subscribers (SSE and
// websocket clients). Delivery is best effort: a slow subscriber drops events
// rather than stalling the publisher.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types carried on the stream.
const (
	TypeHello        = "hello"
	TypeHeartbeat    = "heartbeat"
	TypeDecision     = "decision"
	TypeNotification = "notification"
)

const defaultBuffer = 32

// Event is one stream message. TenantID is used for subscriber filtering and
// is also present inside Data.
type Event struct {
	Type      string          `json:"type"`
	At        string          `json:"at"`
	RequestID string          `json:"requestId,omitempty"`
	TenantID  string          `json:"-"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]string
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]string{}}
}

// Subscribe registers a channel receiving every event, or only events of
// tenantID when it is non-empty.
func (h *Hub) Subscribe(buffer int, tenantID string) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = tenantID
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, tenant := range h.subs {
		if tenant != "" && evt.TenantID != "" && tenant != evt.TenantID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
