package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/pkg/types"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultConfig())
	defer bus.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	const n = 100
	bus.Subscribe(EventTypeNewPool, func(event Event) error {
		pe := event.(NewPoolEvent)
		mu.Lock()
		got = append(got, pe.Pool.Signature)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	for i := 0; i < n; i++ {
		bus.Publish(NewPool(types.NewPoolEvent{Signature: sig(i)}))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if got[i] != sig(i) {
			t.Fatalf("event %d delivered out of order: %s", i, got[i])
		}
	}
}

func sig(i int) string {
	return string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestFailingHandlerDoesNotPoisonDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultConfig())
	defer bus.Stop()

	var second, third bool
	bus.Subscribe(EventTypeAlert, func(Event) error {
		return errors.New("handler failed")
	})
	bus.Subscribe(EventTypeAlert, func(Event) error {
		panic("handler panicked")
	})
	bus.Subscribe(EventTypeAlert, func(Event) error {
		second = true
		return nil
	})
	bus.SubscribeAll(func(Event) error {
		third = true
		return nil
	})

	bus.PublishSync(NewAlert(types.Alert{Type: "TEST"}))

	if !second || !third {
		t.Errorf("remaining handlers skipped: second=%v all=%v", second, third)
	}
	stats := bus.GetStats()
	if stats.ProcessingErrors != 2 {
		t.Errorf("processingErrors = %d, want 2", stats.ProcessingErrors)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultConfig())
	defer bus.Stop()

	var calls int
	sub := bus.Subscribe(EventTypeAlert, func(Event) error {
		calls++
		return nil
	})

	bus.PublishSync(NewAlert(types.Alert{}))
	bus.Unsubscribe(sub)
	bus.PublishSync(NewAlert(types.Alert{}))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if sub.IsActive() {
		t.Error("subscription still active")
	}
}

func TestPublishNonBlockingWhenQueueFull(t *testing.T) {
	bus := NewBus(zap.NewNop(), Config{QueueSize: 1})
	defer bus.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EventTypeAlert, func(Event) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	})

	bus.Publish(NewAlert(types.Alert{})) // consumed by the lane goroutine
	<-started
	bus.Publish(NewAlert(types.Alert{})) // fills the queue

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(NewAlert(types.Alert{}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full queue")
	}
	close(block)

	if bus.GetStats().EventsDropped == 0 {
		t.Error("expected dropped events to be counted")
	}
}

func TestStatsCounters(t *testing.T) {
	bus := NewBus(zap.NewNop(), DefaultConfig())
	defer bus.Stop()

	bus.Subscribe(EventTypeAlert, func(Event) error { return nil })
	bus.PublishSync(NewAlert(types.Alert{}))

	stats := bus.GetStats()
	if stats.EventsPublished != 1 || stats.EventsProcessed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ActiveSubscribers != 1 {
		t.Errorf("activeSubscribers = %d", stats.ActiveSubscribers)
	}
}
