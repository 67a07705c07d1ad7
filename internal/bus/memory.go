package bus

import (
	"context"
	"sync"
)

const defaultBuffer = 256

// Memory fans messages out to in-process subscribers.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	buffer int
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{}), buffer: defaultBuffer}
}

type memorySub struct {
	bus   *Memory
	topic string
	ch    chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *memorySub) Messages() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Publish blocks until every current subscriber has accepted the message or
// ctx is done.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySub, 0, len(m.subs[topic]))
	for sub := range m.subs[topic] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{
		bus:   m,
		topic: topic,
		ch:    make(chan Message, m.buffer),
		done:  make(chan struct{}),
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	var all []*memorySub
	for _, subs := range m.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()
	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}
