// Package coordinator provides an in-process transaction coordinator used to
// drive client sessions without a real cluster.
//
// A Coordinator is an actor: requests are queued in its mailbox and handled one
// at a time. It accepts begin requests, serves reads from the item store with
// read-your-writes, buffers writes and, on a commit request, validates the
// read versions and applies the writes atomically. Replies are routed back to
// clients through a Directory.
//
// # Failure modes
//
// Like the nodes of a chaos test a coordinator can be
//   - stopped: in-flight transactions are aborted with an unsolicited
//     EndResult and further requests are refused
//   - suspended: begin requests are ignored (clients time out and retry),
//     in-flight transactions continue
//   - delayed: every request waits for the configured delay
package coordinator
