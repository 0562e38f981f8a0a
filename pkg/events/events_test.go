package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conduitnet/conduit/pkg/events"
)

func newBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(events.SystemClock())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := newBus(t)

	var (
		mu       sync.Mutex
		got      []int
		received = make(chan struct{}, 3)
	)
	cancel := bus.On("topic", func(ev events.Event) {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
		received <- struct{}{}
	})
	defer cancel()

	for i := 0; i < 3; i++ {
		bus.Publish("topic", i)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("events out of order: %v", got)
		}
	}
}

func TestPublishOtherTopicNotDelivered(t *testing.T) {
	bus := newBus(t)

	delivered := make(chan events.Event, 1)
	cancel := bus.On("wanted", func(ev events.Event) {
		delivered <- ev
	})
	defer cancel()

	bus.Publish("other", "payload")

	select {
	case ev := <-delivered:
		t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterDropsNonMatching(t *testing.T) {
	bus := newBus(t)

	delivered := make(chan int, 2)
	cancel := bus.On("topic", func(ev events.Event) {
		delivered <- ev.Payload.(int)
	}, func(ev events.Event) bool {
		return ev.Payload.(int)%2 == 0
	})
	defer cancel()

	bus.Publish("topic", 1)
	bus.Publish("topic", 2)

	select {
	case v := <-delivered:
		if v != 2 {
			t.Fatalf("filtered event delivered: %d", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("matching event not delivered")
	}
}

func TestOnceDeliversSingleEvent(t *testing.T) {
	bus := newBus(t)

	delivered := make(chan int, 2)
	cancel := bus.Once("topic", func(ev events.Event) {
		delivered <- ev.Payload.(int)
	})
	defer cancel()

	bus.Publish("topic", 1)

	select {
	case v := <-delivered:
		if v != 1 {
			t.Fatalf("got %d, want 1", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	bus.Publish("topic", 2)
	select {
	case v := <-delivered:
		t.Fatalf("once subscription delivered a second event: %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := newBus(t)

	delivered := make(chan struct{}, 1)
	cancel := bus.On("topic", func(events.Event) {
		delivered <- struct{}{}
	})
	cancel()

	bus.Publish("topic", nil)
	select {
	case <-delivered:
		t.Fatal("cancelled subscription received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitFor(t *testing.T) {
	bus := newBus(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Publish("topic", "hello")
	}()

	ev, err := bus.WaitFor(context.Background(), "topic", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Payload.(string) != "hello" {
		t.Errorf("payload %v", ev.Payload)
	}
}

func TestWaitForTimeout(t *testing.T) {
	bus := newBus(t)

	_, err := bus.WaitFor(context.Background(), "topic", 10*time.Millisecond)
	if !errors.Is(err, events.ErrNotObserved) {
		t.Errorf("got %v, want %v", err, events.ErrNotObserved)
	}
}

func TestWaitForContextCancelled(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bus.WaitFor(ctx, "topic", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}
