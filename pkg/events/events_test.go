package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-at-icarite/shepherd/pkg/types"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:       EventInstanceState,
		InstanceID: "i-0001",
		From:       types.StateHealthy,
		To:         types.StateUnhealthy,
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventInstanceState, ev.Type)
		assert.Equal(t, "i-0001", ev.InstanceID)
		assert.Equal(t, types.StateUnhealthy, ev.To)
		assert.False(t, ev.Timestamp.IsZero(), "broker should stamp events")
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	a := broker.Subscribe()
	b := broker.Subscribe()
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventFleetConverged})

	for _, sub := range []Subscriber{a, b} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventFleetConverged, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("fan-out missed a subscriber")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, broker.SubscriberCount())

	// Double unsubscribe must not panic
	broker.Unsubscribe(sub)
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		broker.Publish(&Event{Type: EventFleetAlert})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
