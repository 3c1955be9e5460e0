// Package deadline implements the begin-accept timeout of a transaction.
//
// A Timer holds at most one pending deadline. When it fires it is delivered
// as an ordinary protocol.BeginTimeout message into the owner's mailbox, so the
// owner observes it in its normal sequential processing. Cancel after firing
// is a no-op; the owner still checks its own accepted flag and the epoch.
package deadline
