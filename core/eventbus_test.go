package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusOrdering(t *testing.T) {
	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe("exec-1")
	defer cancel()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{ID: "exec-1", Type: fmt.Sprintf("evt-%d", i)})
	}

	for i := 0; i < 10; i++ {
		select {
		case evt := <-ch:
			assert.Equal(t, fmt.Sprintf("evt-%d", i), evt.Type, "delivery must preserve publish order")
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestEventBusIDFilter(t *testing.T) {
	bus := NewEventBus(nil)

	matched, cancelMatched := bus.Subscribe("exec-1")
	defer cancelMatched()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	bus.Publish(Event{ID: "exec-1", Type: "mine"})
	bus.Publish(Event{ID: "exec-2", Type: "other"})

	evt := <-matched
	assert.Equal(t, "mine", evt.Type)
	select {
	case evt := <-matched:
		t.Fatalf("filtered subscriber received foreign event %q", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "mine", (<-all).Type)
	assert.Equal(t, "other", (<-all).Type)
}

func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe("exec-1")
	defer cancel()

	// Nothing drains the channel, so publishes beyond the buffer are dropped
	// rather than blocking
	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultEventBuffer+50; i++ {
			bus.Publish(Event{ID: "exec-1", Type: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Equal(t, DefaultEventBuffer, len(ch))
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe("exec-1")

	require.Equal(t, 1, bus.SubscriberCount())
	cancel()
	require.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent
	cancel()
}
