// Package workload runs a population of client sessions against a cluster.
//
// A Driver creates NumClients sessions with ids 1..N, registers their
// mailboxes in the cluster directory, runs each session on a worker.Pool and
// bootstraps them with the cluster's Welcome. All sessions record into one
// shared metrics.Metrics.
//
//	d := workload.New(c, workload.DefaultConfig())
//	snapshot, err := d.RunFor(ctx, 30*time.Second)
//
// RunOnce switches the sessions to single mode and returns when every session
// concluded its attempt.
package workload
