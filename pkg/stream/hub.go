// Package stream fans proxy decisions and rule changes out to live
// websocket watchers. Delivery is lossy, slow subscribers drop events
// instead of stalling the proxy path.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the live stream.
const (
	TypeDecision   = "decision"
	TypeRuleChange = "rule_change"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decision is the payload of a TypeDecision event, one per proxied
// request.
type Decision struct {
	ID       string `json:"id"`
	App      string `json:"app"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	RulePath string `json:"rule_path,omitempty"`
	Username string `json:"username,omitempty"`
	Verdict  string `json:"verdict"`
	Status   int    `json:"status"`
}

func NewDecisionEvent(d Decision) Event {
	return NewEvent(TypeDecision, d)
}

func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		evt.Data, _ = json.Marshal(data)
	}
	return evt
}

// Hub tracks subscriber channels. Closing happens only through
// Unsubscribe so Publish never writes to a closed channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish offers evt to every subscriber without blocking. A full
// buffer means the subscriber misses this event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
