// Package metrics provides transaction metrics collection and reporting.
//
// Metrics counts attempts, commits, aborts, begin retries and dropped stale
// replies, and tracks the latency of each attempt from its first begin to its
// end result. It is thread-safe and shared by all client sessions of a run.
//
// # Basic Usage
//
//	m := metrics.New()
//
//	m.RecordAttempt()
//	// ... attempt runs ...
//	m.RecordOutcome(metrics.Outcome{Commit: true, Rounds: 25, Latency: d})
//
//	fmt.Printf("Commits: %d, TPS: %.2f, P99: %v\n",
//	    m.Commits(), m.TPS(), m.P99Latency())
//
//	snap := m.Snapshot()
//
// # Configuration
//
// Use NewWithConfig for custom settings:
//
//	config := metrics.Config{
//	    MaxLatencySamples: 5000, // More samples for P99 accuracy
//	}
//	m := metrics.NewWithConfig(config)
//
// # Thread Safety
//
// Counters are atomic; latency samples are guarded by a mutex.
package metrics
