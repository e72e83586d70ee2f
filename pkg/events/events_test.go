package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFireTransitionRunsHooksAndDelivers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	var mu sync.Mutex
	var order []string

	broker.RegisterBeforeHook(func(evt *Event) {
		mu.Lock()
		order = append(order, "before")
		mu.Unlock()
	})
	broker.RegisterAfterHook(func(evt *Event) {
		mu.Lock()
		order = append(order, "after")
		mu.Unlock()
	})

	broker.FireTransition(&Event{Type: EventTxnCommitted, TxnID: 7, FromStatus: "PREPARE", ToStatus: "COMMITTED"})

	select {
	case evt := <-sub:
		assert.Equal(t, int64(7), evt.TxnID)
		assert.Equal(t, EventTxnCommitted, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"before", "after"}, order)
}

func TestFireTransitionWithNoSubscribersDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	done := make(chan struct{})
	go func() {
		broker.FireTransition(&Event{Type: EventTxnAborted, TxnID: 1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FireTransition blocked with no subscribers")
	}
}

func TestSubscribeUnsubscribeCount(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())
}
