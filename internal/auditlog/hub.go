package auditlog

import (
	"sync"
	"sync/atomic"
	"time"

	"practice-bridge/internal/envelope"
)

// Event is a persisted entry fanned out to live tail subscribers.
type Event struct {
	Stream    string          `json:"stream"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Fields    envelope.Fields `json:"fields"`
}

// Hub fans persisted entries out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscription receives matching events on C until Close.
type Subscription struct {
	C <-chan Event

	hub     *Hub
	ch      chan Event
	streams map[string]struct{}
	filter  Filter
	once    sync.Once
}

// Subscribe registers a subscriber. An empty streams list matches every
// stream; a nil filter matches every event.
func (h *Hub) Subscribe(streams []string, filter Filter) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, hub: h, ch: ch, filter: filter}
	if len(streams) > 0 {
		sub.streams = make(map[string]struct{}, len(streams))
		for _, name := range streams {
			sub.streams[name] = struct{}{}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Close ends every subscription. Later subscriptions start closed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(ev Event) bool {
	if s.streams != nil {
		if _, ok := s.streams[ev.Stream]; !ok {
			return false
		}
	}
	return s.filter == nil || s.filter.Match(ev)
}

// Publish delivers ev to every interested subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
