package radio

import (
	"log/slog"
	"sync"
)

// EventKind distinguishes the events carried by a Bus.
type EventKind int

const (
	// EventState reports a connection state transition.
	EventState EventKind = iota
	// EventNotify carries a characteristic value change pushed by the gateway.
	EventNotify
)

// Event is one hardware-originated notification.
type Event struct {
	Kind           EventKind
	State          State  // EventState
	Device         string // EventState: address of the gateway involved
	Characteristic string // EventNotify
	Value          []byte // EventNotify
}

const defaultSubscriberBuffer = 64

// Bus fans hardware events out to every subscriber. Each subscriber has its
// own buffered channel; a subscriber that falls behind loses events rather
// than stalling the radio callback that published them.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	log    *slog.Logger
}

// NewBus returns an empty bus. buffer <= 0 selects the default.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		log:    logger.With("component", "radio.bus"),
	}
}

// Subscription is one listener's view of a Bus.
type Subscription struct {
	C <-chan Event

	ch  chan Event
	bus *Bus
}

// Subscribe registers a new listener.
func (b *Bus) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.log.Warn("subscriber buffer full, dropping event", "kind", e.Kind)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
