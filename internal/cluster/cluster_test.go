package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txnload/internal/coordinator"
	"txnload/internal/protocol"
)

func newTestCluster() *Cluster {
	return New(Config{MaxKey: 9, InitialValue: 10})
}

func take(t *testing.T, mb *protocol.Mailbox) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := mb.Take(ctx)
	require.NoError(t, err)
	return msg
}

func TestNewCluster(t *testing.T) {
	c := newTestCluster()

	assert.Equal(t, 0, c.Size())
	assert.Equal(t, 10, c.Store().Len())
	assert.Equal(t, 100, c.Total())
	assert.Equal(t, 100, c.ExpectedTotal())
}

func TestClusterAddRemoveCoordinator(t *testing.T) {
	c := newTestCluster()
	co := coordinator.New("test-coord-1", c.Store(), c)

	require.NoError(t, c.AddCoordinator(co))
	assert.Equal(t, 1, c.Size())
	assert.Error(t, c.AddCoordinator(co), "duplicate coordinator should fail")

	retrieved, ok := c.GetCoordinator("test-coord-1")
	require.True(t, ok)
	assert.Equal(t, co.ID(), retrieved.ID())

	require.NoError(t, c.RemoveCoordinator("test-coord-1"))
	assert.Equal(t, 0, c.Size())
	assert.ErrorIs(t, c.RemoveCoordinator("test-coord-1"), ErrUnknownCoordinator)
}

func TestClusterStartStopAll(t *testing.T) {
	c := newTestCluster()
	ctx := context.Background()

	require.NoError(t, c.CreateCoordinators(5, "coord"))
	require.NoError(t, c.StartAll(ctx))
	assert.Equal(t, 5, c.RunningCount())
	assert.Equal(t, 0, c.StoppedCount())
	assert.Error(t, c.StartAll(ctx), "starting running coordinators should fail")

	require.NoError(t, c.StopAll())
	assert.Equal(t, 0, c.RunningCount())
	assert.Equal(t, 5, c.StoppedCount())
}

func TestClusterCreateCoordinators(t *testing.T) {
	c := newTestCluster()

	require.NoError(t, c.CreateCoordinators(10, "test"))
	assert.Equal(t, 10, c.Size())

	for i := 1; i <= 10; i++ {
		id := protocol.CoordinatorID(fmt.Sprintf("test-%d", i))
		_, ok := c.GetCoordinator(id)
		assert.True(t, ok, "expected coordinator %s to exist", id)
	}
}

func TestClusterWelcome(t *testing.T) {
	c := newTestCluster()
	require.NoError(t, c.CreateCoordinators(3, "coord"))

	w := c.Welcome()
	assert.Equal(t, []protocol.CoordinatorID{"coord-1", "coord-2", "coord-3"}, w.Coordinators)
	assert.Equal(t, 9, w.MaxKey)
}

func TestClusterDirectory(t *testing.T) {
	c := newTestCluster()
	mb := protocol.NewMailbox()

	assert.False(t, c.Deliver(1, protocol.Shutdown{}), "unregistered client")

	require.NoError(t, c.Register(1, mb))
	assert.Error(t, c.Register(1, mb))
	assert.Equal(t, 1, c.ClientCount())

	assert.True(t, c.Deliver(1, protocol.Shutdown{}))
	assert.Equal(t, protocol.Shutdown{}, take(t, mb))

	require.NoError(t, c.Register(2, protocol.NewMailbox()))
	assert.Equal(t, 2, c.Broadcast(protocol.Shutdown{}))

	c.Unregister(1)
	assert.False(t, c.Deliver(1, protocol.Shutdown{}))
	assert.Equal(t, 1, c.ClientCount())
}

func TestClusterSendRoundTrip(t *testing.T) {
	c := newTestCluster()
	require.NoError(t, c.CreateCoordinators(1, "coord"))
	require.NoError(t, c.StartAll(context.Background()))
	defer func() { _ = c.StopAll() }()

	mb := protocol.NewMailbox()
	require.NoError(t, c.Register(7, mb))

	assert.ErrorIs(t, c.Send("nope", protocol.BeginTxn{ClientID: 7, Epoch: 1}), ErrUnknownCoordinator)

	require.NoError(t, c.Send("coord-1", protocol.BeginTxn{ClientID: 7, Epoch: 1}))
	assert.Equal(t, protocol.BeginAccepted{Epoch: 1}, take(t, mb))

	require.NoError(t, c.Send("coord-1", protocol.ReadRequest{ClientID: 7, Epoch: 1, Key: 4}))
	assert.Equal(t, protocol.ReadResult{Epoch: 1, Key: 4, Value: 10}, take(t, mb))

	assert.Equal(t, uint64(1), c.Stats().Accepted)
	assert.Equal(t, int64(1), c.Stats().InFlight)
}

func TestClusterSendToStopped(t *testing.T) {
	c := newTestCluster()
	require.NoError(t, c.CreateCoordinators(1, "coord"))

	err := c.Send("coord-1", protocol.BeginTxn{ClientID: 1, Epoch: 1})
	assert.ErrorIs(t, err, coordinator.ErrStopped)
}

func TestClusterConcurrentAccess(t *testing.T) {
	c := newTestCluster()
	ctx := context.Background()

	require.NoError(t, c.CreateCoordinators(10, "coord"))
	require.NoError(t, c.StartAll(ctx))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Coordinators()
			_ = c.Size()
			_ = c.RunningCount()
			_ = c.Deliver(protocol.ClientID(i), protocol.Shutdown{})
		}()
	}

	wg.Wait()
	require.NoError(t, c.StopAll())
}
