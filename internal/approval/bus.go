package approval

import "sync"

// EventType enumerates what the bus publishes.
type EventType string

const (
	EventRequestCreated EventType = "requestCreated"
	EventRequestDecided EventType = "requestDecided"
)

// Event is one approval state change, fanned out to every subscriber.
type Event struct {
	Type    EventType `json:"type"`
	Request Request   `json:"request"`
}

const subscriberBuffer = 16

// bus fans events out to subscribers. Slow subscribers lose events rather
// than blocking publishers; the SSE layer resynchronises them from Pending.
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newBus() *bus {
	return &bus{subs: map[int]chan Event{}}
}

func (b *bus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

func (b *bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
