package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/home-dispatch/internal/observability"
)

const DefaultBuffer = 64

// Hub fans events out to in-process subscribers. Each subscriber owns a
// bounded queue; a full queue drops the event for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	groups map[Group]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{groups: make(map[Group]map[*Subscription]struct{}), buffer: buffer}
}

type Subscription struct {
	Group Group
	C     <-chan []byte

	send chan []byte
	hub  *Hub
	once sync.Once
}

func (h *Hub) Subscribe(group Group) *Subscription {
	ch := make(chan []byte, h.buffer)
	s := &Subscription{Group: group, C: ch, send: ch, hub: h}
	h.mu.Lock()
	subs, ok := h.groups[group]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.groups[group] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	observability.Subscribers.Inc()
	return s
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if subs, ok := h.groups[s.Group]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.groups, s.Group)
			}
		}
		close(s.send)
		h.mu.Unlock()
		observability.Subscribers.Dec()
	})
}

// Publish never blocks on a slow subscriber.
func (h *Hub) Publish(_ context.Context, group Group, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.deliver(group, ev.Type, msg)
	return nil
}

func (h *Hub) deliver(group Group, typ EventType, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.groups[group] {
		select {
		case s.send <- msg:
			observability.BroadcastDeliveredTotal.WithLabelValues(string(typ)).Inc()
		default:
			observability.BroadcastDroppedTotal.WithLabelValues(string(typ)).Inc()
		}
	}
}

// Count returns the number of subscribers in a group.
func (h *Hub) Count(group Group) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
