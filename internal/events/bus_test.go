package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestNewBus(t *testing.T) {
	bus := NewBus()
	require.NotNil(t, bus)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusSubscribe(t *testing.T) {
	bus := NewBus()

	ch1 := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	ch2 := bus.Subscribe()
	assert.Equal(t, 2, bus.SubscriberCount())

	assert.NotNil(t, ch1)
	assert.NotNil(t, ch2)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// 二重解除は何もしない
	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusPublish(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(NewChaosAttackEvent("coord-1", AttackTypeKill))

	received := receive(t, ch)
	assert.Equal(t, EventChaosAttack, received.Type)
	assert.Equal(t, "coord-1", received.Source)
}

func TestBusPublishMultipleSubscribers(t *testing.T) {
	bus := NewBus()

	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()

	bus.Publish(NewChaosAttackEvent("coord-1", AttackTypeSuspend))

	for i, ch := range []<-chan Event{ch1, ch2} {
		received := receive(t, ch)
		assert.Equal(t, EventChaosAttack, received.Type, "subscriber %d", i)
	}
}

func TestBusPublishNonBlocking(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1

	ch := bus.Subscribe()

	// バッファが埋まった後の配送は捨てられ、Publishはブロックしない
	bus.Publish(NewChaosAttackEvent("coord-1", AttackTypeKill))
	bus.Publish(NewChaosAttackEvent("coord-2", AttackTypeKill))
	bus.Publish(NewChaosAttackEvent("coord-3", AttackTypeKill))

	assert.Equal(t, "coord-1", receive(t, ch).Source)
	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestBusSubscribeFiltered(t *testing.T) {
	bus := NewBus()

	txnOnly := bus.Subscribe(EventTxnCommit, EventTxnAbort)
	all := bus.Subscribe()

	bus.Publish(NewChaosAttackEvent("coord-1", AttackTypeKill))
	bus.Publish(NewTxnResultEvent("client-1", true, 1, "coord-1", 20))

	assert.Equal(t, EventTxnCommit, receive(t, txnOnly).Type)
	assert.Empty(t, txnOnly, "filtered subscriber got an extra event")
	assert.Len(t, all, 2)
}

func TestBusClose(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe()
	bus.Close()

	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok, "expected channel to be closed")
}

func TestEventCreation(t *testing.T) {
	t.Run("ChaosAttackEvent", func(t *testing.T) {
		event := NewChaosAttackEvent("coord-1", AttackTypeKill)
		assert.Equal(t, EventChaosAttack, event.Type)
		assert.Equal(t, "coord-1", event.Source)
		assert.Equal(t, AttackTypeKill, event.Data.AttackType)
	})

	t.Run("ChaosAttackEventWithDelay", func(t *testing.T) {
		event := NewChaosAttackEventWithDelay("coord-2", 100*time.Millisecond)
		assert.Equal(t, AttackTypeDelay, event.Data.AttackType)
		assert.Equal(t, "100ms", event.Data.DelayDuration)
	})

	t.Run("ChaosResumeEvent", func(t *testing.T) {
		event := NewChaosResumeEvent("coord-2")
		assert.Equal(t, EventChaosResume, event.Type)
		assert.Equal(t, "coord-2", event.Source)
	})

	t.Run("RecoveryEvents", func(t *testing.T) {
		start := NewRecoveryStartEvent("coord-1", 1)
		assert.Equal(t, EventRecoveryStart, start.Type)
		assert.Equal(t, 1, start.Data.Attempt)

		success := NewRecoverySuccessEvent("coord-1")
		assert.Equal(t, EventRecoverySuccess, success.Type)

		failed := NewRecoveryFailedEvent("coord-1", errors.New("boom"))
		assert.Equal(t, EventRecoveryFailed, failed.Type)
		assert.Equal(t, "boom", failed.Data.Error)
	})

	t.Run("TxnEvents", func(t *testing.T) {
		retry := NewTxnRetryEvent("client-1", 2, "coord-3")
		assert.Equal(t, EventTxnRetry, retry.Type)
		assert.Equal(t, 2, retry.Data.Attempt)
		assert.Equal(t, "coord-3", retry.Data.Coordinator)

		commit := NewTxnResultEvent("client-1", true, 7, "coord-1", 25)
		assert.Equal(t, EventTxnCommit, commit.Type)
		assert.Equal(t, uint64(7), commit.Data.Epoch)
		assert.Equal(t, 25, commit.Data.Rounds)

		abort := NewTxnResultEvent("client-1", false, 8, "coord-1", 3)
		assert.Equal(t, EventTxnAbort, abort.Type)
	})
}
