package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txnload/internal/protocol"
	"txnload/internal/store"
)

type fakeDirectory struct {
	mu    sync.Mutex
	boxes map[protocol.ClientID]*protocol.Mailbox
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{boxes: make(map[protocol.ClientID]*protocol.Mailbox)}
}

func (d *fakeDirectory) box(id protocol.ClientID) *protocol.Mailbox {
	d.mu.Lock()
	defer d.mu.Unlock()
	mb, ok := d.boxes[id]
	if !ok {
		mb = protocol.NewMailbox()
		d.boxes[id] = mb
	}
	return mb
}

func (d *fakeDirectory) Deliver(id protocol.ClientID, msg protocol.Message) bool {
	return d.box(id).Put(msg)
}

func (d *fakeDirectory) next(t *testing.T, id protocol.ClientID) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := d.box(id).Take(ctx)
	require.NoError(t, err)
	return msg
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeDirectory, *store.Store) {
	t.Helper()
	s := store.New()
	s.Seed(9, 100)
	dir := newFakeDirectory()
	c := New("coord-1", s, dir)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		if c.Status() != StatusStopped {
			_ = c.Stop()
		}
	})
	return c, dir, s
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "suspended", StatusSuspended.String())
	assert.Equal(t, "unknown", Status(9).String())
}

func TestCoordinatorStartStop(t *testing.T) {
	c := New("coord-1", store.New(), newFakeDirectory())
	ctx := context.Background()

	assert.Equal(t, StatusStopped, c.Status())
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StatusRunning, c.Status())
	assert.Error(t, c.Start(ctx), "double start should fail")

	require.NoError(t, c.Stop())
	assert.Equal(t, StatusStopped, c.Status())
	assert.Error(t, c.Stop(), "double stop should fail")

	assert.ErrorIs(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}), ErrStopped)
}

func TestCoordinatorTransaction(t *testing.T) {
	c, dir, s := newTestCoordinator(t)

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}))
	assert.Equal(t, protocol.BeginAccepted{Epoch: 1}, dir.next(t, 1))

	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 1, Key: 2}))
	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 1, Key: 5}))
	assert.Equal(t, protocol.ReadResult{Epoch: 1, Key: 2, Value: 100}, dir.next(t, 1))
	assert.Equal(t, protocol.ReadResult{Epoch: 1, Key: 5, Value: 100}, dir.next(t, 1))

	require.NoError(t, c.Submit(protocol.WriteRequest{ClientID: 1, Epoch: 1, Key: 2, Value: 70}))
	require.NoError(t, c.Submit(protocol.WriteRequest{ClientID: 1, Epoch: 1, Key: 5, Value: 130}))

	// read-your-writes
	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 1, Key: 2}))
	assert.Equal(t, protocol.ReadResult{Epoch: 1, Key: 2, Value: 70}, dir.next(t, 1))

	require.NoError(t, c.Submit(protocol.EndTxn{ClientID: 1, Epoch: 1, Commit: true}))
	assert.Equal(t, protocol.EndResult{Epoch: 1, Commit: true}, dir.next(t, 1))

	item, err := s.Read(2)
	require.NoError(t, err)
	assert.Equal(t, 70, item.Value)
	assert.Equal(t, 1000, s.Sum())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Committed)
	assert.Equal(t, int64(0), stats.InFlight)
}

func TestCoordinatorAbortDiscardsWrites(t *testing.T) {
	c, dir, s := newTestCoordinator(t)

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}))
	dir.next(t, 1)
	require.NoError(t, c.Submit(protocol.WriteRequest{ClientID: 1, Epoch: 1, Key: 0, Value: 1}))
	require.NoError(t, c.Submit(protocol.EndTxn{ClientID: 1, Epoch: 1, Commit: false}))
	assert.Equal(t, protocol.EndResult{Epoch: 1, Commit: false}, dir.next(t, 1))

	item, _ := s.Read(0)
	assert.Equal(t, 100, item.Value)
	assert.Equal(t, uint64(1), c.Stats().Aborted)
}

func TestCoordinatorConflictAborts(t *testing.T) {
	c, dir, _ := newTestCoordinator(t)

	for _, id := range []protocol.ClientID{1, 2} {
		require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: id, Epoch: 1}))
		dir.next(t, id)
		require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: id, Epoch: 1, Key: 3}))
		dir.next(t, id)
		require.NoError(t, c.Submit(protocol.WriteRequest{ClientID: id, Epoch: 1, Key: 3, Value: int(id)}))
	}

	require.NoError(t, c.Submit(protocol.EndTxn{ClientID: 1, Epoch: 1, Commit: true}))
	assert.Equal(t, protocol.EndResult{Epoch: 1, Commit: true}, dir.next(t, 1))

	require.NoError(t, c.Submit(protocol.EndTxn{ClientID: 2, Epoch: 1, Commit: true}))
	assert.Equal(t, protocol.EndResult{Epoch: 1, Commit: false}, dir.next(t, 2))
	assert.Equal(t, uint64(1), c.Stats().Conflicts)
}

func TestCoordinatorAbortsOnUnreadableKey(t *testing.T) {
	c, dir, s := newTestCoordinator(t)

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}))
	assert.Equal(t, protocol.BeginAccepted{Epoch: 1}, dir.next(t, 1))

	require.NoError(t, c.Submit(protocol.WriteRequest{ClientID: 1, Epoch: 1, Key: 0, Value: 0}))
	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 1, Key: 42}))
	assert.Equal(t, protocol.EndResult{Epoch: 1, Commit: false}, dir.next(t, 1))

	// ワークスペースは破棄されているので後続のEndは捨てられる
	require.NoError(t, c.Submit(protocol.EndTxn{ClientID: 1, Epoch: 1, Commit: true}))
	assert.Eventually(t, func() bool { return c.Stats().Dropped == 1 }, time.Second, time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Aborted)
	assert.Equal(t, uint64(0), stats.Committed)
	assert.Equal(t, int64(0), stats.InFlight)

	item, err := s.Read(0)
	require.NoError(t, err)
	assert.Equal(t, 100, item.Value)
}

func TestCoordinatorDropsStaleEpoch(t *testing.T) {
	c, dir, _ := newTestCoordinator(t)

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}))
	dir.next(t, 1)
	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 2}))
	dir.next(t, 1)

	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 1, Key: 0}))
	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 2, Key: 0}))
	assert.Equal(t, protocol.ReadResult{Epoch: 2, Key: 0, Value: 100}, dir.next(t, 1))
	assert.Equal(t, uint64(1), c.Stats().Dropped)
	assert.Equal(t, int64(1), c.Stats().InFlight)
}

func TestCoordinatorSuspendIgnoresBegin(t *testing.T) {
	c, dir, _ := newTestCoordinator(t)

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}))
	dir.next(t, 1)

	require.NoError(t, c.Suspend())
	assert.Error(t, c.Suspend())
	assert.Equal(t, StatusSuspended, c.Status())

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 2, Epoch: 1}))
	// in-flight transactions keep working
	require.NoError(t, c.Submit(protocol.ReadRequest{ClientID: 1, Epoch: 1, Key: 1}))
	assert.Equal(t, protocol.ReadResult{Epoch: 1, Key: 1, Value: 100}, dir.next(t, 1))
	assert.Equal(t, 0, dir.box(2).Len())

	require.NoError(t, c.Resume())
	assert.Error(t, c.Resume())
	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 2, Epoch: 2}))
	assert.Equal(t, protocol.BeginAccepted{Epoch: 2}, dir.next(t, 2))
}

func TestCoordinatorStopAbortsInFlight(t *testing.T) {
	c, dir, _ := newTestCoordinator(t)

	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 4, Epoch: 9}))
	dir.next(t, 4)

	require.NoError(t, c.Stop())
	assert.Equal(t, protocol.EndResult{Epoch: 9, Commit: false}, dir.next(t, 4))
	assert.Equal(t, int64(0), c.Stats().InFlight)

	// restart works and begins from scratch
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 4, Epoch: 10}))
	assert.Equal(t, protocol.BeginAccepted{Epoch: 10}, dir.next(t, 4))
}

func TestCoordinatorDelay(t *testing.T) {
	c, dir, _ := newTestCoordinator(t)

	c.SetDelay(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, c.Delay())

	start := time.Now()
	require.NoError(t, c.Submit(protocol.BeginTxn{ClientID: 1, Epoch: 1}))
	dir.next(t, 1)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	c.SetDelay(0)
	assert.Equal(t, time.Duration(0), c.Delay())
}
