package stage

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/errkind"
)

// Execution is one stage run. Deltas may be ranged over once; Text is valid
// after the range finishes without error.
type Execution struct {
	ctx     context.Context
	def     *Definition
	backend backend.Backend
	req     backend.Request
	err     error

	sb strings.Builder
}

// Run prepares the stage for in. history is the prior conversation; the
// query is appended to it as the final user message. Nothing is sent until
// Deltas is ranged over.
func (d *Definition) Run(ctx context.Context, b backend.Backend, in Input, history []backend.Message) *Execution {
	e := &Execution{ctx: ctx, def: d, backend: b}

	instruction, err := d.Instruction(in)
	if err != nil {
		e.err = errkind.New(errkind.StageInputInvalid, "stage."+d.Name, err)
		return e
	}

	msgs := make([]backend.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, backend.Message{Role: backend.RoleUser, Content: in.Query})
	e.req = backend.Request{Instruction: instruction, Context: msgs}
	return e
}

// Request is the backend request the stage sends.
func (e *Execution) Request() backend.Request { return e.req }

// Deltas streams the stage output. The last pair carries the error, if any.
// Whitespace-only output is reported as BackendRejected.
func (e *Execution) Deltas() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if e.err != nil {
			yield("", e.err)
			return
		}

		ctx, span := tracing.StartSpan(tracing.WithStage(e.ctx, e.def.Name), "codepipe.stage", "stage.run",
			attribute.String("stage.name", e.def.Name),
			attribute.Int("stage.ordinal", e.def.Ordinal),
		)
		start := time.Now()
		var err error
		defer func() {
			observability.RecordStage(e.def.Name, time.Since(start), err == nil)
			span.SetAttributes(attribute.Int("stage.output_len", e.sb.Len()))
			tracing.EndSpan(span, err)
		}()

		for delta, serr := range e.backend.Stream(ctx, e.req) {
			if serr != nil {
				err = fmt.Errorf("stage %s: %w", e.def.Name, serr)
				e.err = err
				yield("", err)
				return
			}
			e.sb.WriteString(delta)
			if !yield(delta, nil) {
				err = ctx.Err()
				if err == nil {
					err = errkind.Errorf(errkind.ClientDisconnected, "stage."+e.def.Name, "consumer stopped")
				}
				return
			}
		}

		if strings.TrimSpace(e.sb.String()) == "" {
			err = errkind.Errorf(errkind.BackendRejected, "stage."+e.def.Name, "empty completion")
			e.err = err
			yield("", err)
		}
	}
}

// Text returns the output assembled so far.
func (e *Execution) Text() string { return e.sb.String() }

// Err returns the error that ended the stage, if any.
func (e *Execution) Err() error { return e.err }
