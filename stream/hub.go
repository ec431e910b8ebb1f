// Package stream fans job status events out to in-process subscribers.
package stream

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 100

// Event is one status change delivered on a topic.
type Event struct {
	Type  string      `json:"type"`
	Topic string      `json:"topic"`
	Data  interface{} `json:"data,omitempty"`
	At    time.Time   `json:"at"`
}

// Hub is an in-process topic broadcaster. Publish never blocks: a subscriber whose
// buffer is full misses the event and its drop counter goes up.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	dropped    atomic.Uint64
}

// NewHub creates a hub whose subscriptions buffer bufferSize events.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscription receives events for the topics it was created with.
type Subscription struct {
	id     uint64
	topics []string
	ch     chan Event
	hub    *Hub
	once   sync.Once
}

// C is the receive side. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Topics returns the subscribed topics.
func (s *Subscription) Topics() []string {
	return s.topics
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.ch)
	})
}

// Subscribe registers interest in one or more topics.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		topics: topics,
		ch:     make(chan Event, h.bufferSize),
		hub:    h,
	}
	for _, topic := range topics {
		if h.subs[topic] == nil {
			h.subs[topic] = make(map[uint64]*Subscription)
		}
		h.subs[topic][sub.id] = sub
	}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range sub.topics {
		delete(h.subs[topic], sub.id)
		if len(h.subs[topic]) == 0 {
			delete(h.subs, topic)
		}
	}
}

// Publish delivers evt to the subscribers of evt.Topic.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	// Sends happen under the read lock so Close cannot close a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[evt.Topic] {
		select {
		case sub.ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Subscribers reports how many subscriptions listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
