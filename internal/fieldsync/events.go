package fieldsync

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSyncStart  EventType = "sync.start"
	EventSynced     EventType = "sync.synced"
	EventSyncError  EventType = "sync.error"
	EventSyncEnd    EventType = "sync.end"
	EventContextNew EventType = "context.refreshed"
)

// Event is the union broadcast to subscribers. ActionID is set for
// sync.synced and sync.error; Remaining is set for sync.end; Err carries
// the failure message for sync.error.
type Event struct {
	Type      EventType  `json:"type"`
	ActionID  int64      `json:"actionId,omitempty"`
	Kind      ActionKind `json:"kind,omitempty"`
	Err       string     `json:"error,omitempty"`
	Remaining int        `json:"remaining,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type EventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewEventBus() *EventBus {
	return &EventBus{subs: map[int]chan Event{}}
}

// Subscribe returns a receive channel and a disposer. Dropping the disposer
// on the floor leaks the subscription; callers defer it for the lifetime of
// the listening screen.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

// Publish never blocks; a subscriber that stops draining loses events
// rather than stalling the sync engine.
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
