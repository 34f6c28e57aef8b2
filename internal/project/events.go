package project

import (
	"sync"
	"time"
)

// EventType labels supervisor events.
type EventType string

const (
	EventLog         EventType = "log"
	EventStatus      EventType = "status"
	EventPortChanged EventType = "port_changed"
)

// Event is one supervisor notification. Line is set for log events, Status
// for status events, Port for port changes.
type Event struct {
	Type        EventType `json:"type"`
	ProjectPath string    `json:"projectPath"`
	Line        string    `json:"line,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Port        int       `json:"port,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Hub fans supervisor events out to subscribers. Delivery is fire and
// forget: a subscriber that stops draining loses events rather than
// stalling the supervisor.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new event consumer.
func (h *Hub) Subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan Event, 256)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, found := h.subs[id]; found {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
