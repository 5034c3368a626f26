package events

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("events: bus closed")

const defaultSubscriberBuffer = 256

// Bus is an in-process Publisher: all producers and consumers share the
// process, so events fan out over buffered channels. Slow subscribers drop
// events rather than block publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	closed bool
	buffer int
}

type subscription struct {
	ch    chan *Event
	types map[EventType]bool // empty means all
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a Bus with the given per-subscriber buffer (0 selects the
// default).
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[int]*subscription),
		buffer: buffer,
	}
}

// Publish delivers event to every matching subscriber without blocking.
func (b *Bus) Publish(_ context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber buffer full, drop the event for it.
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given event types (all types
// when none are given). The subscription ends, and the channel closes, when
// ctx is cancelled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, eventTypes ...EventType) (<-chan *Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	sub := &subscription{
		ch:    make(chan *Event, b.buffer),
		types: make(map[EventType]bool, len(eventTypes)),
	}
	for _, t := range eventTypes {
		sub.types[t] = true
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return sub.ch, nil
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Close ends every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}
