// Package session implements a workload client as a sequential actor.
//
// A Session owns an unbounded mailbox and processes one message at a time in
// Run. It waits for a single Welcome carrying the coordinator list and the key
// space, validates it and then drives transaction attempts through
// txn.Machine. Replies, begin timeouts and the delayed "start next attempt"
// signal all arrive through the same mailbox, so no state is shared with
// timers.
//
// In ModeSingle the session performs one attempt and then closes Idle. In
// ModeContinuous a new attempt starts InterTxnDelay after the previous one
// concluded. A Shutdown message or context cancellation ends Run.
package session
