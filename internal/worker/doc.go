// Package worker provides a goroutine pool for long-running jobs.
//
// The Pool manages a fixed number of worker goroutines that take jobs from a
// shared queue. Every job receives the pool context, which is cancelled by
// Stop, so jobs that loop until cancelled (such as client sessions) end
// together with the pool.
//
// # Basic Usage
//
//	pool := worker.NewPool(4) // 4 workers
//	pool.Start(ctx)
//	defer pool.Stop()
//
//	pool.Submit(func(ctx context.Context) {
//	    _ = sess.Run(ctx)
//	})
//
// # Configuration
//
// Use NewPoolWithConfig for custom settings:
//
//	config := worker.PoolConfig{
//	    NumWorkers:  8,
//	    QueueFactor: 2, // Queue size = 8 * 2 = 16
//	}
//	pool := worker.NewPoolWithConfig(config)
//
// A job that panics is counted in Stats and does not take its worker down.
// A pool can be started again after Stop.
package worker
