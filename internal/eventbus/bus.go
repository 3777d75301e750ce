// Package eventbus is a small in-process fanout for operational events
// (check lifecycle, notification delivery). It exists for visibility, not
// coordination: nothing in the pipeline waits on a subscriber.
package eventbus

import (
	"sync"
	"time"
)

// Event is a point-in-time operational signal. Data is a small value
// owned by the publisher; subscribers must not mutate it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers over buffered channels.
//
// Publish never blocks: a subscriber whose buffer is full loses the
// event. That is the contract — the pipeline's latency must not depend
// on how fast an observer drains its channel.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	// Send outside the lock so a concurrent Subscribe/unsubscribe never
	// waits on delivery.
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		func() {
			// A subscriber may unsubscribe (and close its channel) between
			// the snapshot above and this send.
			defer func() { _ = recover() }()
			select {
			case ch <- ev:
			default:
			}
		}()
	}
}

// Subscribe registers a buffered channel and returns it with its
// unsubscribe func. Unsubscribe closes the channel; calling it more than
// once is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
