// Package session keeps per-user conversation history in memory.
//
// Invariants:
// - Exactly one Session exists per (user_id, session_id) pair.
// - Appends and reads on one session are serialized by that session's own
//   mutex; different sessions never contend beyond the registry lookup.
// - A session held by a running pipeline run (Retain/Release) is never
//   evicted by the idle sweep.
// - History is lost on restart.
//
// Usage:
//
//	store := session.New(session.Config{DefaultUser: "default_user"})
//	s, _ := store.Resolve(ctx, "", "")
//	_ = store.Append(ctx, s, session.Turn{Query: "hello", Response: "..."})
//	turns := s.History()
package session
