package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
)

// memBus is an in-process Bus. Delivery is synchronous and in publish order
// per topic, which makes it deterministic enough for tests and good enough
// for single-process runs where both participants share one bus.
type memBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memSub
	closed bool
}

type memSub struct {
	bus   *memBus
	topic string
	fn    Handler
	once  sync.Once
}

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.topic]
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
	})
	return nil
}

// NewMemoryBus creates an in-process Bus.
func NewMemoryBus() Bus {
	return &memBus{subs: make(map[string][]*memSub)}
}

func (b *memBus) Publish(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal payload: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("realtime: bus closed")
	}
	subs := make([]*memSub, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(topic, event, raw)
	}
	return nil
}

func (b *memBus) Subscribe(topic string, fn Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("realtime: bus closed")
	}
	s := &memSub{bus: b, topic: topic, fn: fn}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

func (b *memBus) OnReconnect(func()) {}

func (b *memBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[string][]*memSub)
	b.closed = true
	b.mu.Unlock()
	return nil
}
