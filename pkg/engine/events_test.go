package engine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBusDeliversToAllListeners(t *testing.T) {
	b := newBus()
	var a, c int32
	b.subscribe(ListenerFunc(func(Event) { atomic.AddInt32(&a, 1) }))
	b.subscribe(ListenerFunc(func(Event) { atomic.AddInt32(&c, 1) }))

	b.emit(Event{Kind: EventStateChange, Time: time.Now()})
	if a != 1 || c != 1 {
		t.Fatalf("expected both listeners notified, got %d/%d", a, c)
	}
}

func TestBusIsolatesPanickingListener(t *testing.T) {
	b := newBus()
	var survived int32
	b.subscribe(ListenerFunc(func(Event) { panic("bad listener") }))
	b.subscribe(ListenerFunc(func(Event) { atomic.AddInt32(&survived, 1) }))

	b.emit(Event{Kind: EventHealthUpdate})
	if survived != 1 {
		t.Fatalf("panicking listener must not break delivery, got %d", survived)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := newBus()
	var n int32
	unsub := b.subscribe(ListenerFunc(func(Event) { atomic.AddInt32(&n, 1) }))
	b.emit(Event{})
	unsub()
	unsub() // safe twice
	b.emit(Event{})
	if n != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", n)
	}
}

func TestBusClear(t *testing.T) {
	b := newBus()
	var n int32
	b.subscribe(ListenerFunc(func(Event) { atomic.AddInt32(&n, 1) }))
	b.clear()
	b.emit(Event{})
	if n != 0 {
		t.Fatalf("expected no delivery after clear, got %d", n)
	}
}
