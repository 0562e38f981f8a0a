package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotObserved is returned by WaitFor when no matching event arrived within
// the given timeout.
var ErrNotObserved = errors.New("events: not observed")

// Event is a single published occurrence on a topic.
type Event struct {
	Topic   string
	At      time.Time
	Payload interface{}
}

// Handler consumes an event. Handlers of a single subscription observe events
// in publish order.
type Handler func(Event)

// Filter restricts a subscription to matching events.
type Filter func(Event) bool

type subscription struct {
	topic   string
	filters []Filter
	ch      chan Event
	once    bool
	done    chan struct{}
	closeMu sync.Once
}

func (s *subscription) match(ev Event) bool {
	for _, f := range s.filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

func (s *subscription) close() {
	s.closeMu.Do(func() { close(s.done) })
}

// Bus is an in-process publish/subscribe dispatcher. Every subscription owns a
// delivery goroutine with a bounded queue, so a slow subscriber applies
// backpressure to publishers instead of reordering or dropping events.
type Bus struct {
	clock Clock

	mu   sync.RWMutex
	subs map[string][]*subscription
}

const subscriptionBuffer = 128

// NewBus constructs a Bus using the given clock for WaitFor timeouts.
func NewBus(clock Clock) *Bus {
	if clock == nil {
		clock = SystemClock()
	}
	return &Bus{
		clock: clock,
		subs:  make(map[string][]*subscription),
	}
}

// On subscribes handler to topic. The returned cancel function removes the
// subscription and must be called when the listener goes away.
func (b *Bus) On(topic string, handler Handler, filters ...Filter) (cancel func()) {
	return b.subscribe(topic, handler, false, filters...)
}

// Once subscribes handler to a single matching event on topic.
func (b *Bus) Once(topic string, handler Handler, filters ...Filter) (cancel func()) {
	return b.subscribe(topic, handler, true, filters...)
}

func (b *Bus) subscribe(topic string, handler Handler, once bool, filters ...Filter) (cancel func()) {
	sub := &subscription{
		topic:   topic,
		filters: filters,
		ch:      make(chan Event, subscriptionBuffer),
		once:    once,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				handler(ev)
				if sub.once {
					b.remove(sub)
					return
				}
			case <-sub.done:
				return
			}
		}
	}()

	return func() {
		sub.close()
		b.remove(sub)
	}
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
	sub.close()
}

// Publish delivers payload to every matching subscriber of topic.
func (b *Bus) Publish(topic string, payload interface{}) {
	ev := Event{
		Topic:   topic,
		At:      b.clock.Now(),
		Payload: payload,
	}

	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.match(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// WaitFor blocks until an event matching the filters is published on topic,
// the timeout elapses, or ctx is cancelled. On timeout ErrNotObserved is
// returned instead of blocking forever.
func (b *Bus) WaitFor(ctx context.Context, topic string, timeout time.Duration, filters ...Filter) (Event, error) {
	got := make(chan Event, 1)
	cancel := b.Once(topic, func(ev Event) {
		select {
		case got <- ev:
		default:
		}
	}, filters...)
	defer cancel()

	select {
	case ev := <-got:
		return ev, nil
	case <-b.clock.After(timeout):
		return Event{}, ErrNotObserved
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close cancels all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	b.subs = make(map[string][]*subscription)
	return nil
}
