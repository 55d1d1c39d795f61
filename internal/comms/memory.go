// memory.go — in-memory транспорт для тестов и локальной отладки.
// Повторяет семантику Redis Pub/Sub: broadcast всем подписчикам топика,
// включая отправителя (эхо подавляется на уровне комнаты).
package comms

import (
	"context"
	"sync"
)

// MemoryHub — общая шина in-memory транспортов.
// Несколько транспортов на одной шине имитируют несколько узлов сети.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryHub создаёт пустую шину.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

// NewTransport создаёт транспорт с данным идентификатором подписчика.
func (h *MemoryHub) NewTransport(id string) Transport {
	return &memoryTransport{hub: h, id: id}
}

func (h *MemoryHub) publish(topic string, env Envelope) {
	h.mu.Lock()
	targets := make([]*memorySubscription, 0, len(h.subs[topic]))
	for s := range h.subs[topic] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.deliver(env)
	}
}

func (h *MemoryHub) remove(topic string, sub *memorySubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
}

// memoryTransport — Transport поверх MemoryHub.
type memoryTransport struct {
	hub *MemoryHub
	id  string
}

func (t *memoryTransport) ID() string {
	return t.id
}

func (t *memoryTransport) Subscribe(_ context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		hub:   t.hub,
		topic: topic,
		out:   make(chan Envelope, 16),
	}

	t.hub.mu.Lock()
	if t.hub.subs[topic] == nil {
		t.hub.subs[topic] = make(map[*memorySubscription]struct{})
	}
	t.hub.subs[topic][sub] = struct{}{}
	t.hub.mu.Unlock()

	return sub, nil
}

// memorySubscription — подписка на один топик шины.
type memorySubscription struct {
	hub    *MemoryHub
	topic  string
	out    chan Envelope
	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- env
}

func (s *memorySubscription) Messages() <-chan Envelope {
	return s.out
}

func (s *memorySubscription) Publish(_ context.Context, env Envelope) error {
	s.hub.publish(s.topic, env)
	return nil
}

func (s *memorySubscription) Close() error {
	s.hub.remove(s.topic, s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
