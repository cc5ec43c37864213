// Package backend streams text completions from a language model.
//
// Every variant satisfies the one-method Backend interface and reports
// failures through errkind kinds, so callers never inspect vendor errors.
//
// Invariants:
// - Stream yields text deltas in model order and then stops.
// - A failure is yielded exactly once, as the last element, with an empty delta.
// - Breaking out of the sequence or cancelling ctx closes the HTTP stream.
//
// Usage:
//
//	b, _ := backend.New(ctx, backend.Config{Provider: "openai", Model: "llama3.2:1b", BaseURL: "http://localhost:11434/v1"})
//	for delta, err := range b.Stream(ctx, backend.Request{Instruction: "...", Context: msgs}) {
//		if err != nil {
//			return err
//		}
//		fmt.Print(delta)
//	}
package backend
