package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and single-node development.
// Delivery is at-least-once per local subscriber; a slow subscriber drops its
// oldest pending payload rather than blocking the publisher.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]map[*memorySubscription]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		out:   make(chan []byte, 256),
	}

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
}

type memorySubscription struct {
	bus    *MemoryBus
	topic  string
	out    chan []byte
	closed sync.Once
	mu     sync.Mutex
	done   bool
}

func (s *memorySubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	for {
		select {
		case s.out <- payload:
			return
		default:
			// Buffer full: drop the oldest pending payload.
			select {
			case <-s.out:
			default:
			}
		}
	}
}

func (s *memorySubscription) C() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.closed.Do(func() {
		s.bus.remove(s)
		s.mu.Lock()
		s.done = true
		close(s.out)
		s.mu.Unlock()
	})
	return nil
}
