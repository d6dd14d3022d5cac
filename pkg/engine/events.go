package engine

import (
	"sync"
	"time"
)

type EventKind string

const (
	EventStateChange  EventKind = "state_change"
	EventError        EventKind = "error"
	EventHealthUpdate EventKind = "health_update"
)

// Event is a lifecycle notification. Ephemeral, delivered synchronously,
// never retained.
type Event struct {
	Kind     EventKind
	Time     time.Time
	OldState State
	NewState State
	Err      error
	Context  string
	Healthy  bool
	Metrics  HealthMetrics
}

type Listener interface {
	Notify(ev Event)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(ev Event)

func (f ListenerFunc) Notify(ev Event) { f(ev) }

// bus fans events out to an unordered listener set. Delivery is synchronous
// and a panicking listener never breaks delivery to the others.
type bus struct {
	mu        sync.Mutex
	seq       int
	listeners map[int]Listener
}

func newBus() *bus {
	return &bus{listeners: make(map[int]Listener)}
}

func (b *bus) subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.listeners[id] = l
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) emit(ev Event) {
	b.mu.Lock()
	snapshot := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		snapshot = append(snapshot, l)
	}
	b.mu.Unlock()
	for _, l := range snapshot {
		deliver(l, ev)
	}
}

func (b *bus) clear() {
	b.mu.Lock()
	b.listeners = make(map[int]Listener)
	b.mu.Unlock()
}

func deliver(l Listener, ev Event) {
	defer func() {
		_ = recover()
	}()
	l.Notify(ev)
}
