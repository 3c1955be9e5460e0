package txn

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txnload/internal/opgen"
	"txnload/internal/protocol"
)

type sent struct {
	to  protocol.CoordinatorID
	msg protocol.Message
}

type fakeSender struct {
	sent []sent
	err  error
}

func (f *fakeSender) Send(to protocol.CoordinatorID, msg protocol.Message) error {
	f.sent = append(f.sent, sent{to: to, msg: msg})
	return f.err
}

func (f *fakeSender) drain() []sent {
	out := f.sent
	f.sent = nil
	return out
}

type fakeDeadline struct {
	arms    []protocol.Epoch
	timeout time.Duration
	cancels int
}

func (f *fakeDeadline) Arm(d time.Duration, epoch protocol.Epoch) {
	f.arms = append(f.arms, epoch)
	f.timeout = d
}

func (f *fakeDeadline) Cancel() bool {
	f.cancels++
	return true
}

type harness struct {
	m        *Machine
	sender   *fakeSender
	deadline *fakeDeadline
	env      Environment
}

func newHarness(t *testing.T, config Config, maxKey int, seed uint64) *harness {
	t.Helper()

	env := Environment{
		Coordinators: []protocol.CoordinatorID{"coord-1", "coord-2", "coord-3"},
		MaxKey:       maxKey,
	}
	require.NoError(t, env.Validate())
	require.NoError(t, config.Validate())

	h := &harness{
		sender:   &fakeSender{},
		deadline: &fakeDeadline{},
		env:      env,
	}
	gen := opgen.New(rand.New(rand.NewPCG(seed, seed+1)))
	h.m = New(1, config, env, gen, h.sender, h.deadline, &protocol.EpochCounter{})
	return h
}

// accept starts the machine and accepts the begin, returning the two reads.
func (h *harness) accept(t *testing.T) []sent {
	t.Helper()

	h.m.Start()
	h.sender.drain()
	require.True(t, h.m.Handle(protocol.BeginAccepted{Epoch: h.m.Epoch()}))
	reads := h.sender.drain()
	require.Len(t, reads, 2)
	return reads
}

// answerRound replies to both pending reads with the given values and returns
// what the machine sent in response.
func (h *harness) answerRound(t *testing.T, v1, v2 int) []sent {
	t.Helper()

	k1, k2, ok := h.m.PendingKeys()
	require.True(t, ok)
	require.True(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch(), Key: k1, Value: v1}))
	require.True(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch(), Key: k2, Value: v2}))
	return h.sender.drain()
}

func kinds(msgs []sent) []string {
	out := make([]string, len(msgs))
	for i, s := range msgs {
		out[i] = s.msg.Kind()
	}
	return out
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "begin_pending", StateBeginPending.String())
	assert.Equal(t, "reading", StateReading.String())
	assert.Equal(t, "ending", StateEnding.String())
	assert.Equal(t, "done", StateDone.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 0.8, config.CommitProbability)
	assert.Equal(t, 0.5, config.WriteProbability)
	assert.Equal(t, 20, config.MinLength)
	assert.Equal(t, 40, config.MaxLength)
	assert.Equal(t, 5*time.Second, config.AcceptTimeout)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"commit probability above 1", func(c *Config) { c.CommitProbability = 1.5 }},
		{"negative write probability", func(c *Config) { c.WriteProbability = -0.1 }},
		{"zero min length", func(c *Config) { c.MinLength = 0 }},
		{"max below min", func(c *Config) { c.MaxLength = c.MinLength - 1 }},
		{"zero timeout", func(c *Config) { c.AcceptTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}

func TestEnvironmentValidate(t *testing.T) {
	assert.ErrorIs(t, Environment{MaxKey: 10}.Validate(), ErrNoCoordinators)

	env := Environment{Coordinators: []protocol.CoordinatorID{"c"}, MaxKey: 1}
	assert.ErrorIs(t, env.Validate(), opgen.ErrKeySpaceTooSmall)

	env.MaxKey = 2
	assert.NoError(t, env.Validate())
}

func TestEnvironmentFromCopiesCoordinators(t *testing.T) {
	w := protocol.Welcome{Coordinators: []protocol.CoordinatorID{"a", "b"}, MaxKey: 9}
	env := EnvironmentFrom(w)
	w.Coordinators[0] = "changed"

	assert.Equal(t, protocol.CoordinatorID("a"), env.Coordinators[0])
	assert.Equal(t, 9, env.MaxKey)
}

func TestStartSendsBeginAndArmsDeadline(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 1)

	h.m.Start()

	msgs := h.sender.drain()
	require.Len(t, msgs, 1)
	begin, ok := msgs[0].msg.(protocol.BeginTxn)
	require.True(t, ok)
	assert.Equal(t, protocol.ClientID(1), begin.ClientID)
	assert.Equal(t, h.m.Epoch(), begin.Epoch)
	assert.Contains(t, h.env.Coordinators, msgs[0].to)
	assert.Equal(t, h.m.Coordinator(), msgs[0].to)

	assert.Equal(t, StateBeginPending, h.m.State())
	assert.False(t, h.m.Accepted())
	assert.Equal(t, []protocol.Epoch{h.m.Epoch()}, h.deadline.arms)
	assert.Equal(t, 5*time.Second, h.deadline.timeout)
	assert.GreaterOrEqual(t, h.m.TargetOps(), 20)
	assert.LessOrEqual(t, h.m.TargetOps(), 40)
	assert.Equal(t, 0, h.m.DoneOps())

	// second Start is a no-op
	h.m.Start()
	assert.Empty(t, h.sender.drain())
}

func TestAcceptRequestsRound(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 2)

	reads := h.accept(t)

	assert.Equal(t, StateReading, h.m.State())
	assert.True(t, h.m.Accepted())
	assert.Equal(t, 1, h.deadline.cancels)

	r1 := reads[0].msg.(protocol.ReadRequest)
	r2 := reads[1].msg.(protocol.ReadRequest)
	assert.NotEqual(t, r1.Key, r2.Key)
	for _, r := range []protocol.ReadRequest{r1, r2} {
		assert.GreaterOrEqual(t, r.Key, 0)
		assert.LessOrEqual(t, r.Key, 10)
		assert.Equal(t, h.m.Epoch(), r.Epoch)
	}
	assert.Equal(t, h.m.Coordinator(), reads[0].to)
}

// maxKey=10, write probability 0, commit probability 1: exactly targetOps
// read-only rounds, then EndTxn(commit=true).
func TestReadOnlyCommitRun(t *testing.T) {
	config := DefaultConfig()
	config.WriteProbability = 0
	config.CommitProbability = 1

	for seed := uint64(1); seed <= 20; seed++ {
		h := newHarness(t, config, 10, seed)
		h.accept(t)
		target := h.m.TargetOps()

		rounds := 0
		for h.m.State() == StateReading {
			out := h.answerRound(t, 100, 100)
			rounds++
			require.LessOrEqual(t, h.m.DoneOps(), h.m.TargetOps())

			for _, s := range out {
				_, isWrite := s.msg.(protocol.WriteRequest)
				require.False(t, isWrite, "unexpected write with write probability 0")
			}
			if h.m.State() == StateEnding {
				require.Len(t, out, 1)
				end := out[0].msg.(protocol.EndTxn)
				assert.True(t, end.Commit)
				assert.Equal(t, h.m.Epoch(), end.Epoch)
			} else {
				require.Equal(t, []string{"read", "read"}, kinds(out))
			}
		}

		assert.Equal(t, target, rounds)
		assert.Equal(t, target, h.m.DoneOps())

		require.True(t, h.m.Handle(protocol.EndResult{Epoch: h.m.Epoch(), Commit: true}))
		outcome, done := h.m.Outcome()
		require.True(t, done)
		assert.True(t, outcome.Commit)
		assert.True(t, outcome.Requested)
		assert.Equal(t, target, outcome.DoneOps)
		assert.Equal(t, 0, outcome.Writes)
	}
}

// Accept never arrives: the deadline fires and exactly one new BeginTxn is
// sent under a new epoch with a freshly drawn op count.
func TestTimeoutRetriesBegin(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 3)

	h.m.Start()
	h.sender.drain()
	firstEpoch := h.m.Epoch()

	require.True(t, h.m.Handle(protocol.BeginTimeout{Epoch: firstEpoch}))

	msgs := h.sender.drain()
	require.Len(t, msgs, 1)
	begin, ok := msgs[0].msg.(protocol.BeginTxn)
	require.True(t, ok)
	assert.Greater(t, begin.Epoch, firstEpoch)
	assert.Equal(t, h.m.Epoch(), begin.Epoch)
	assert.Contains(t, h.env.Coordinators, msgs[0].to)

	assert.Equal(t, StateBeginPending, h.m.State())
	assert.Equal(t, 1, h.m.Retries())
	assert.Len(t, h.deadline.arms, 2)
	assert.GreaterOrEqual(t, h.m.TargetOps(), 20)
	assert.LessOrEqual(t, h.m.TargetOps(), 40)

	// the old deadline firing again is stale
	assert.False(t, h.m.Handle(protocol.BeginTimeout{Epoch: firstEpoch}))
	assert.Empty(t, h.sender.drain())
}

func TestTimeoutAfterAcceptIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 4)
	h.accept(t)

	assert.False(t, h.m.Handle(protocol.BeginTimeout{Epoch: h.m.Epoch()}))
	assert.Empty(t, h.sender.drain())
	assert.Equal(t, StateReading, h.m.State())
	assert.Equal(t, 0, h.m.Retries())
}

func TestStaleAcceptAfterRetryIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 5)

	h.m.Start()
	old := h.m.Epoch()
	h.m.Handle(protocol.BeginTimeout{Epoch: old})
	h.sender.drain()

	assert.False(t, h.m.Handle(protocol.BeginAccepted{Epoch: old}))
	assert.Equal(t, StateBeginPending, h.m.State())
	assert.False(t, h.m.Accepted())
	assert.Empty(t, h.sender.drain())

	assert.True(t, h.m.Handle(protocol.BeginAccepted{Epoch: h.m.Epoch()}))
	assert.Equal(t, StateReading, h.m.State())
}

func TestForeignReadResultDoesNotAlterState(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 6)
	h.accept(t)

	k1, k2, _ := h.m.PendingKeys()
	foreign := 0
	for foreign == k1 || foreign == k2 {
		foreign++
	}

	assert.False(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch(), Key: foreign, Value: 5}))
	assert.False(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch() + 1, Key: k1, Value: 5}))
	assert.Empty(t, h.sender.drain())

	nk1, nk2, ok := h.m.PendingKeys()
	require.True(t, ok)
	assert.Equal(t, k1, nk1)
	assert.Equal(t, k2, nk2)
	assert.Equal(t, 0, h.m.DoneOps())

	// the round still needs both genuine values
	require.True(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch(), Key: k1, Value: 5}))
	assert.Empty(t, h.sender.drain())
	assert.Equal(t, 0, h.m.DoneOps())
}

func TestReadResultsInEitherOrder(t *testing.T) {
	config := DefaultConfig()
	config.WriteProbability = 0
	h := newHarness(t, config, 10, 7)
	h.accept(t)

	k1, k2, _ := h.m.PendingKeys()
	require.True(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch(), Key: k2, Value: 1}))
	assert.Equal(t, 0, h.m.DoneOps())
	require.True(t, h.m.Handle(protocol.ReadResult{Epoch: h.m.Epoch(), Key: k1, Value: 1}))
	assert.Equal(t, 1, h.m.DoneOps())
}

// First value 0: the write for the first key carries 0.
func TestTransferFromZeroFirstValue(t *testing.T) {
	config := DefaultConfig()
	config.WriteProbability = 1
	h := newHarness(t, config, 10, 8)
	h.accept(t)

	k1, k2, _ := h.m.PendingKeys()
	out := h.answerRound(t, 0, 37)

	require.GreaterOrEqual(t, len(out), 2)
	w1 := out[0].msg.(protocol.WriteRequest)
	w2 := out[1].msg.(protocol.WriteRequest)
	assert.Equal(t, protocol.WriteRequest{ClientID: 1, Epoch: h.m.Epoch(), Key: k1, Value: 0}, w1)
	assert.Equal(t, protocol.WriteRequest{ClientID: 1, Epoch: h.m.Epoch(), Key: k2, Value: 37}, w2)
}

func TestWritesConserveRoundTotal(t *testing.T) {
	config := DefaultConfig()
	config.WriteProbability = 1
	h := newHarness(t, config, 50, 9)
	h.accept(t)

	for h.m.State() == StateReading {
		out := h.answerRound(t, 40, 15)
		require.GreaterOrEqual(t, len(out), 2)
		w1 := out[0].msg.(protocol.WriteRequest)
		w2 := out[1].msg.(protocol.WriteRequest)
		assert.GreaterOrEqual(t, w1.Value, 0)
		assert.Equal(t, 55, w1.Value+w2.Value)
	}
}

// targetOps=20 reached on round 20: the next action is EndTxn, not a read.
func TestEndFollowsFinalRound(t *testing.T) {
	config := DefaultConfig()
	config.MinLength = 20
	config.MaxLength = 20
	config.WriteProbability = 0
	h := newHarness(t, config, 10, 10)
	h.accept(t)
	require.Equal(t, 20, h.m.TargetOps())

	for i := 1; i < 20; i++ {
		out := h.answerRound(t, 3, 4)
		require.Equal(t, []string{"read", "read"}, kinds(out), "round %d", i)
	}

	out := h.answerRound(t, 3, 4)
	require.Equal(t, []string{"end"}, kinds(out))
	assert.Equal(t, StateEnding, h.m.State())
	assert.Equal(t, 20, h.m.DoneOps())

	_, _, ok := h.m.PendingKeys()
	assert.False(t, ok)
}

func TestEndResultAbort(t *testing.T) {
	config := DefaultConfig()
	config.MinLength = 1
	config.MaxLength = 1
	config.CommitProbability = 0
	h := newHarness(t, config, 10, 11)
	h.accept(t)

	out := h.answerRound(t, 1, 1)
	end := out[len(out)-1].msg.(protocol.EndTxn)
	assert.False(t, end.Commit)

	assert.False(t, h.m.Handle(protocol.EndResult{Epoch: h.m.Epoch() - 1}))
	require.True(t, h.m.Handle(protocol.EndResult{Epoch: h.m.Epoch(), Commit: false}))

	outcome, done := h.m.Outcome()
	require.True(t, done)
	assert.False(t, outcome.Commit)
	assert.False(t, outcome.Requested)
	assert.Equal(t, StateDone, h.m.State())

	// nothing is handled after the attempt concludes
	assert.False(t, h.m.Handle(protocol.EndResult{Epoch: h.m.Epoch()}))
}

func TestUnilateralAbortWhileReading(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 12)
	h.accept(t)

	require.True(t, h.m.Handle(protocol.EndResult{Epoch: h.m.Epoch(), Commit: false}))
	outcome, done := h.m.Outcome()
	require.True(t, done)
	assert.False(t, outcome.Commit)
	assert.Equal(t, 0, outcome.DoneOps)
}

func TestEndResultIgnoredBeforeAccept(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 13)
	h.m.Start()

	assert.False(t, h.m.Handle(protocol.EndResult{Epoch: h.m.Epoch()}))
	_, done := h.m.Outcome()
	assert.False(t, done)
}

func TestSendErrorsDoNotStopMachine(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 14)
	h.sender.err = errors.New("unreachable")

	h.m.Start()
	assert.Equal(t, StateBeginPending, h.m.State())
	assert.Len(t, h.deadline.arms, 1)

	require.True(t, h.m.Handle(protocol.BeginTimeout{Epoch: h.m.Epoch()}))
	assert.Len(t, h.deadline.arms, 2)
}

func TestUnknownMessageIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), 10, 15)
	h.m.Start()
	assert.False(t, h.m.Handle(protocol.Shutdown{}))
}
