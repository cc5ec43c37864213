// Package pipeline runs the fixed writer, reviewer, refactorer sequence for
// one query and reports progress as an ordered stream of events.
//
// Invariants:
// - Events of a run carry strictly increasing sequence numbers.
// - Stage N starts only after stage N-1 completed; a failed stage halts the run.
// - The last event is RunCompleted or RunFailed, unless the caller went away,
//   in which case the run is aborted and no further events are sent.
// - Only completed runs are appended to session history.
// - Runs on the same session execute one at a time, in submission order.
//
// Usage:
//
//	orch, err := pipeline.New(pipeline.Config{Backend: b, Sessions: store, Stages: stage.Defaults()})
//	run, err := orch.Start(ctx, pipeline.Request{Query: "write a function that adds two numbers"})
//	for ev := range run.Events() { ... }
//	res := run.Wait()
package pipeline
