package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"livetutor/arbiter/internal/pkg/json"
	"livetutor/arbiter/internal/tutor"
)

// Hub fans encoded messages out to in-process subscribers. Delivery never
// blocks: a subscriber whose buffer is full misses the message.
type Hub struct {
	topics  *xsync.MapOf[string, *xsync.MapOf[string, *Subscriber]]
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{topics: xsync.NewMapOf[string, *xsync.MapOf[string, *Subscriber]]()}
}

func (h *Hub) Publish(_ context.Context, topic string, msg tutor.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	h.PublishRaw(topic, b)
	return nil
}

// PublishRaw delivers an already encoded message and returns the number of
// subscribers that received it.
func (h *Hub) PublishRaw(topic string, b []byte) int {
	subs, ok := h.topics.Load(topic)
	if !ok {
		return 0
	}
	n := 0
	subs.Range(func(_ string, s *Subscriber) bool {
		if s.Deliver(b) {
			n++
		}
		return true
	})
	return n
}

// Subscriber is one receiver, typically a websocket session. C is never
// closed; use Done to learn that the subscriber went away.
type Subscriber struct {
	id   string
	hub  *Hub
	ch   chan []byte
	done chan struct{}

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (h *Hub) NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	return &Subscriber{
		id:     id,
		hub:    h,
		ch:     make(chan []byte, buffer),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}),
	}
}

func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) C() <-chan []byte { return s.ch }

func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Deliver queues b without blocking and reports whether it was queued.
func (s *Subscriber) Deliver(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- b:
		return true
	default:
		s.hub.dropped.Add(1)
		return false
	}
}

func (s *Subscriber) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.topics[topic]; ok {
		return
	}
	s.topics[topic] = struct{}{}
	s.hub.topics.Compute(topic, func(m *xsync.MapOf[string, *Subscriber], loaded bool) (*xsync.MapOf[string, *Subscriber], bool) {
		if !loaded {
			m = xsync.NewMapOf[string, *Subscriber]()
		}
		m.Store(s.id, s)
		return m, false
	})
}

func (s *Subscriber) Unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return
	}
	delete(s.topics, topic)
	s.hub.remove(topic, s.id)
}

func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close unsubscribes from every topic. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for t := range s.topics {
		s.hub.remove(t, s.id)
	}
	s.topics = nil
}

func (h *Hub) remove(topic, id string) {
	h.topics.Compute(topic, func(m *xsync.MapOf[string, *Subscriber], loaded bool) (*xsync.MapOf[string, *Subscriber], bool) {
		if !loaded {
			return m, true
		}
		m.Delete(id)
		return m, m.Size() == 0
	})
}

// Subscribers counts the subscribers of topic.
func (h *Hub) Subscribers(topic string) int {
	subs, ok := h.topics.Load(topic)
	if !ok {
		return 0
	}
	return subs.Size()
}

type HubStats struct {
	Topics  int    `json:"topics"`
	Dropped uint64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	return HubStats{Topics: h.topics.Size(), Dropped: h.dropped.Load()}
}
