// Package stage defines the three pipeline stages and runs one of them
// against a model backend.
//
// A Definition is immutable once validated and may be shared by every run.
// Its instruction template sees the original query and the complete text of
// every earlier stage; nothing is summarized between stages.
//
// Template data:
//
//	.Query     the user's query
//	.Outputs   earlier outputs keyed by output key, e.g. {{.Outputs.generated_code}}
//	.Prior     earlier outputs in ordinal order
//	.Previous  the immediately preceding stage's text, empty for stage 1
//
// Usage:
//
//	defs, err := stage.Load("stages.yaml")
//	exec := defs[0].Run(ctx, b, stage.Input{Query: q})
//	for delta, err := range exec.Deltas() { ... }
//	text := exec.Text()
package stage
