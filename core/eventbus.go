package core

import (
	"sync"
	"time"
)

// Event is the envelope for everything published on the bus. ID is the
// execution or process identifier subscribers filter on.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// subscriber holds one subscription's delivery channel
type subscriber struct {
	id string // execution/process ID filter; "" receives everything
	ch chan Event
}

// EventBus is a single-process publish/subscribe hub. Delivery is ordered
// per publisher: Publish appends to each matching subscriber's channel while
// holding the bus lock, so two events published in sequence are observed in
// that sequence by every subscriber.
//
// A slow subscriber whose buffer fills has the event dropped with a warning
// rather than blocking the publisher; live progress streams can reconcile
// through the persisted state in the shared store.
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	logger Logger
}

// DefaultEventBuffer is the per-subscriber channel capacity
const DefaultEventBuffer = 256

// NewEventBus creates an event bus with the default per-subscriber buffer
func NewEventBus(logger Logger) *EventBus {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &EventBus{
		subs:   make(map[int]*subscriber),
		buffer: DefaultEventBuffer,
		logger: logger,
	}
}

// Subscribe registers interest in events for a given execution/process ID.
// An empty id subscribes to all events. The returned cancel function must be
// called to release the subscription; the channel is closed on cancel.
func (b *EventBus) Subscribe(id string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{id: id, ch: make(chan Event, b.buffer)}
	key := b.nextID
	b.nextID++
	b.subs[key] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[key]; ok {
			delete(b.subs, key)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers an event to every subscriber whose filter matches.
// Sets the timestamp if the caller left it zero.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.id != "" && sub.id != evt.ID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("Event dropped for slow subscriber", map[string]interface{}{
				"event_id":   evt.ID,
				"event_type": evt.Type,
			})
		}
	}
}

// SubscriberCount reports the number of active subscriptions
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
