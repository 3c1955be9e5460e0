// Package cluster wires simulated coordinators, the shared item store and the
// client directory together.
//
// A Cluster owns every Coordinator and the store they commit to. It is also
// the transport used by client sessions: Send routes a request to a
// coordinator by id, and Deliver routes a reply back to the mailbox a client
// registered with Register.
//
// # Basic Usage
//
//	c := cluster.New(cluster.Config{MaxKey: 100, InitialValue: 1000})
//
//	if err := c.CreateCoordinators(3, "coord"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.StartAll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.StopAll()
//
//	mb := protocol.NewMailbox()
//	_ = c.Register(1, mb)
//	mb.Put(c.Welcome())
//
// # Thread Safety
//
// All cluster operations are thread-safe and can be called concurrently.
// Coordinator starting and stopping is performed in parallel.
package cluster
