// Package bus is the in-process event bus between agent sessions and
// control planes. Producers publish typed events; each control plane
// (Telegram renderer, web SSE/WS streams) runs its own subscriber.
package bus

import (
	"log/slog"
	"reflect"
	"sync"
)

// DefaultQueueSize is the per-subscriber channel capacity.
const DefaultQueueSize = 256

// Bus routes published events to subscribers registered for the exact
// event type. Publishing never blocks: a subscriber that cannot keep up
// has the event dropped for that subscriber only.
type Bus struct {
	mu   sync.RWMutex
	subs map[reflect.Type][]*sub
}

type sub struct {
	ch     chan any
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]*sub)}
}

// Publish delivers ev to every live subscription for ev's concrete type.
// Delivery is FIFO per subscriber. A full subscriber queue drops the
// event with a warning instead of back-pressuring the publisher.
func (b *Bus) Publish(ev any) {
	t := reflect.TypeOf(ev)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[t] {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slog.Warn("event queue full, dropping event", "type", t.String())
		}
	}
}

func (b *Bus) subscribe(t reflect.Type, capacity int) *sub {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	s := &sub{ch: make(chan any, capacity)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], s)
	return s
}

func (b *Bus) unsubscribe(t reflect.Type, target *sub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[t]
	for i, s := range list {
		if s == target {
			b.subs[t] = append(list[:i], list[i+1:]...)
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
			return
		}
	}
}

// Subscription is a typed view over one subscriber queue.
type Subscription[T any] struct {
	bus  *Bus
	typ  reflect.Type
	raw  *sub
	out  chan T
	once sync.Once
}

// Subscribe registers a subscriber for events of type T with the given
// queue capacity (<= 0 means DefaultQueueSize).
func Subscribe[T any](b *Bus, capacity int) *Subscription[T] {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	var zero T
	t := reflect.TypeOf(zero)
	raw := b.subscribe(t, capacity)

	s := &Subscription[T]{bus: b, typ: t, raw: raw, out: make(chan T, capacity+1)}
	go func() {
		for ev := range raw.ch {
			s.out <- ev.(T)
		}
		close(s.out)
	}()
	return s
}

// C yields events in publish order until Close. The channel closes when
// the subscription is removed.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close removes the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.typ, s.raw)
	})
}
