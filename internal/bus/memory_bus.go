// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/runclub/attendanced/internal/log"
	"github.com/runclub/attendanced/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue depth. Sixteen pending tally
// events is far beyond what a dashboard falls behind by under normal
// operation; deeper queues only delay the inevitable drop.
const DefaultBuffer = 16

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("bus: closed")

type memorySub struct {
	topic  string
	ch     chan Event
	bus    *MemoryBus
	closed sync.Once
}

func (s *memorySub) C() <-chan Event { return s.ch }

func (s *memorySub) Close() {
	s.closed.Do(func() {
		s.bus.detach(s)
		close(s.ch)
	})
}

// MemoryBus is the single-process Bus implementation. Each subscriber owns
// a bounded queue; when it is full the oldest pending event is discarded
// to make room for the newest, so a reconnecting dashboard always sees the
// freshest tally.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	buffer int
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return NewMemoryBusWithBuffer(DefaultBuffer)
}

func NewMemoryBusWithBuffer(buffer int) *MemoryBus {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryBus{
		subs:   make(map[string][]*memorySub),
		buffer: buffer,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs[topic] {
		b.offer(sub, topic, ev)
	}
	return nil
}

// offer enqueues without blocking, evicting the oldest queued event when
// the subscriber is full. Holding mu (read) keeps sub.ch unclosed for the
// duration; detach takes the write lock.
func (b *MemoryBus) offer(sub *memorySub, topic string, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	select {
	case <-sub.ch:
		metrics.IncBusDrop(topic, "subscriber_full")
	default:
	}

	select {
	case sub.ch <- ev:
	default:
		metrics.IncBusDrop(topic, "subscriber_full")
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySub{
		topic: topic,
		ch:    make(chan Event, b.buffer),
		bus:   b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	metrics.BusSubscribers.WithLabelValues(topic).Inc()
	return sub, nil
}

func (b *MemoryBus) detach(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			metrics.BusSubscribers.WithLabelValues(sub.topic).Dec()
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Close detaches and closes every subscriber. Idempotent.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for topic, list := range subs {
		for _, sub := range list {
			sub.closed.Do(func() { close(sub.ch) })
			metrics.BusSubscribers.WithLabelValues(topic).Dec()
		}
	}

	logger := log.WithComponent("bus")
	logger.Debug().Str("event", "bus.closed").Msg("memory bus closed")
	return nil
}

var _ Bus = (*MemoryBus)(nil)
