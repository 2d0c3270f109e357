package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	all := b.Subscribe()
	refundsOnly := b.Subscribe(EventRefundIssued)

	b.Publish(Event{Type: EventTaskCompleted, OrderID: "o1", TaskID: "t1"})
	b.Publish(Event{Type: EventRefundIssued, OrderID: "o1", TaskID: "t2", UserID: "u1"})

	ev := <-all.C
	assert.Equal(t, EventTaskCompleted, ev.Type)
	assert.Equal(t, "o1", ev.OrderID)
	assert.False(t, ev.At.IsZero(), "the broker stamps unset timestamps")

	ev = <-refundsOnly.C
	assert.Equal(t, EventRefundIssued, ev.Type)
	assert.Equal(t, "u1", ev.UserID)
	assert.Empty(t, refundsOnly.C, "the filtered subscription must not see other types")
}

func TestSlowSubscriberLosesEvents(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Type: EventTaskCompleted})
	}

	assert.Equal(t, int64(10), sub.Dropped())
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	base := time.Now()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventTaskCompleted, TaskID: string(rune('a' + i)), At: base.Add(time.Duration(i) * time.Second)})
	}

	recent := b.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].TaskID)
	assert.Equal(t, "d", recent[1].TaskID)
	assert.Equal(t, "c", recent[2].TaskID)

	// Asking for more than was published returns only what exists.
	assert.Len(t, b.Recent(50), 5)
}

func TestRecentWrapsRing(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	for i := 0; i < recentCapacity+7; i++ {
		b.Publish(Event{Type: EventTaskCompleted})
	}
	assert.Len(t, b.Recent(recentCapacity*2), recentCapacity)
}

func TestCloseStopsDelivery(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Close()

	// The channel is closed and publishing is a no-op.
	_, open := <-sub.C
	assert.False(t, open)
	b.Publish(Event{Type: EventTaskCompleted})
	assert.Empty(t, b.Recent(10))
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Publish(Event{Type: EventTaskCompleted})

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, int64(0), sub.Dropped())
}
