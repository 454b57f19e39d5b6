package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventNodeRegistered, Metadata: map[string]string{"node": "node-1"}})

	select {
	case ev := <-sub:
		assert.Equal(t, EventNodeRegistered, ev.Type)
		assert.Equal(t, "node-1", ev.Metadata["node"])
		assert.False(t, ev.Timestamp.IsZero())
		_, err := uuid.Parse(ev.ID)
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNewEvent(t *testing.T) {
	a := New(EventPodCreated, "pod web running", nil)
	b := New(EventPodCreated, "pod web running", nil)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "pod web running", a.Message)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(New(EventNodeDown, "", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}

func TestSubscribeFiltersTypes(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	pods := b.Subscribe(EventPodCreated, EventPodDeleted)
	all := b.Subscribe()

	b.Publish(New(EventNodeRegistered, "", nil))
	b.Publish(New(EventPodCreated, "", nil))

	for _, want := range []EventType{EventNodeRegistered, EventPodCreated} {
		select {
		case ev := <-all:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}

	select {
	case ev := <-pods:
		assert.Equal(t, EventPodCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("pod event not delivered")
	}
	assert.Empty(t, pods)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	for i := 0; i < subscriberSize+3; i++ {
		b.broadcast(New(EventNodeDown, "", nil))
	}

	assert.Len(t, sub, subscriberSize)
	assert.Equal(t, uint64(3), b.Dropped())
}
