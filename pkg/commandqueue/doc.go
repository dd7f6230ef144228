// Package commandqueue serializes work per named lane.
//
// Invariants:
// - Tasks in the same lane start in FIFO order; a lane runs one task at a time
// unless its concurrency is raised.
// - Tasks in different lanes may execute concurrently.
// - A panicking task fails with an error and the lane keeps draining.
// - Queue activity is observable through enqueued/started/completed events and metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "agent:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
