// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane start in FIFO order.
//   - At most the lane's concurrency (default 1) run at once.
//   - Tasks in different lanes may execute concurrently.
//   - A caller whose context ends while its task is still queued gets the
//     context error and the task never runs.
//
// Usage:
//
//	queue := commandqueue.New(logger)
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
