// Package events fans merge progress out to subscribers keyed by a
// client-chosen id. Delivery is fire-and-forget: an event for an absent or
// slow subscriber is dropped.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeProgress = "progress"
	TypeStage    = "stage"
	TypeWarning  = "warning"
	TypeDone     = "done"
	TypeError    = "error"
)

const defaultBuffer = 64

// Event is one message published to a subscriber.
type Event struct {
	Type    string    `json:"type"`
	JobID   string    `json:"jobId,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Percent float64   `json:"percent"`
	Message string    `json:"message,omitempty"`
	ETA     string    `json:"eta,omitempty"`
	Output  string    `json:"output,omitempty"`
	Time    time.Time `json:"time"`
}

// Publisher is the side of the hub the merge pipeline sees.
type Publisher interface {
	Publish(subscriberID string, ev Event)
}

type subscriber struct {
	ch chan Event
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: defaultBuffer,
		now:    time.Now,
	}
}

// Subscribe registers a listener for id. The returned cancel func removes
// it and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(id string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[id]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[id] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[id]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, id)
				}
			}
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish delivers ev to every listener of id without blocking.
func (h *Hub) Publish(id string, ev Event) {
	if id == "" {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[id] {
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of listeners for id.
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

// Dropped returns how many events were discarded because a buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
