// Package txn implements the state machine that drives one transaction
// attempt of a client session.
//
// A Machine moves through Idle, BeginPending, Reading, Ending and Done:
//
//	m := txn.New(id, config, env, gen, sender, deadline, &epochs)
//	m.Start()                 // BeginTxn sent, deadline armed
//	for !done {
//	    m.Handle(msg)         // accept, timeouts, read results, end result
//	    _, done = m.Outcome()
//	}
//
// Every begin, including a retry after a timeout, takes a new epoch. Replies
// carrying another epoch, read results for keys outside the current round and
// messages that do not fit the current state are dropped and Handle reports
// false.
package txn
