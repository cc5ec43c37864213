// Package runqueue serializes pipeline runs per lane.
//
// Each lane executes one task at a time in FIFO order; tasks in different
// lanes run concurrently. The orchestrator uses one lane per session.
//
// Invariants:
// - A lane never runs two tasks at once.
// - A task whose context ends while it is still queued is dropped without running.
// - Lanes with nothing queued or running are discarded.
//
// Usage:
//
//	q := runqueue.New(runqueue.Config{Logger: logger})
//	defer q.Close()
//	err := q.Enqueue(ctx, "session:alice/s1", func(ctx context.Context) error { return run(ctx) }, nil)
package runqueue
