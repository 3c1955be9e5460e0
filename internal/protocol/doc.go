// Package protocol defines the abstract messages exchanged between client
// sessions and transaction coordinators.
//
// Every request carries the sender's ClientID and the Epoch of the begin
// request it belongs to. Replies echo the Epoch so that a session can drop
// replies that belong to a superseded attempt.
//
// # Mailbox
//
// Mailbox is an unbounded FIFO queue used as the inbox of an actor. Any
// number of goroutines may Put; a single consumer drains it with Take:
//
//	mb := protocol.NewMailbox()
//	mb.Put(protocol.BeginAccepted{Epoch: 1})
//
//	msg, err := mb.Take(ctx)
//	if err != nil {
//	    return err
//	}
//
// Put never blocks, so two actors replying to each other cannot deadlock on
// full buffers.
package protocol
