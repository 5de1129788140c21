package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventSuspendStart, Tenant: "alice", Trigger: "idle"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventSuspendStart, ev.Type)
			assert.Equal(t, "alice", ev.Tenant)
			assert.Equal(t, "idle", ev.Trigger)
			assert.False(t, ev.Timestamp.IsZero(), "broker stamps unset timestamps")
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventResumeStart, Tenant: "bob"})
	b.Publish(&Event{Type: EventResumeComplete, Tenant: "bob", VMPid: 4321})

	first := <-sub
	second := <-sub
	require.Equal(t, EventResumeStart, first.Type)
	require.Equal(t, EventResumeComplete, second.Type)
	assert.Equal(t, 4321, second.VMPid)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never drained: its buffer fills and overflow is dropped.
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventSuspendComplete, Tenant: "alice"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishing stalled on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}
