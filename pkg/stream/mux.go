package stream

import (
	"context"
	"fmt"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/pipeline"
)

// Summary describes a forwarded run.
type Summary struct {
	Chunks int
	// Final is the terminal chunk, nil when the run ended without one.
	Final *Chunk
}

// Forward writes every event on events to enc as soon as it arrives, until
// the terminal event or until events is closed. A failed write is reported
// as ClientDisconnected; the caller should then cancel the run's context.
func Forward(ctx context.Context, events <-chan pipeline.Event, enc Encoder) (Summary, error) {
	var sum Summary
	for {
		select {
		case <-ctx.Done():
			return sum, errkind.New(errkind.ClientDisconnected, "stream.forward", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return sum, endedEarly(ctx, "stream.forward")
			}

			c := FromEvent(ev)
			if err := enc.Encode(c); err != nil {
				return sum, errkind.New(errkind.ClientDisconnected, "stream.forward", fmt.Errorf("failed to write chunk: %w", err))
			}
			sum.Chunks++
			observability.RecordChunk(enc.Name())

			if c.Terminal() {
				sum.Final = &c
				return sum, nil
			}
		}
	}
}

// Aggregate is the single response of aggregate mode.
type Aggregate struct {
	Responses []string `json:"responses"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	RunID     string   `json:"run_id"`
	Final     string   `json:"final"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
}

// Collect consumes events, dropping partial output, and returns the
// aggregate carried by the terminal event. The returned error is the run's
// failure, if any; the Aggregate still holds the responses produced before it.
func Collect(ctx context.Context, events <-chan pipeline.Event) (Aggregate, error) {
	agg := Aggregate{Responses: []string{}}
	for {
		select {
		case <-ctx.Done():
			return agg, errkind.New(errkind.ClientDisconnected, "stream.collect", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return agg, endedEarly(ctx, "stream.collect")
			}

			agg.RunID = ev.RunID
			agg.UserID = ev.UserID
			agg.SessionID = ev.SessionID

			switch ev.Type {
			case pipeline.StageCompleted:
				agg.Responses = append(agg.Responses, ev.Content)
			case pipeline.RunCompleted, pipeline.RunFailed:
				if ev.Aggregate != nil {
					agg.Responses = responses(ev.Aggregate.Responses)
					agg.Final = ev.Aggregate.Final
				}
				if ev.Err != nil {
					agg.Error = ev.Err.Error()
					agg.ErrorKind = string(errkind.KindOf(ev.Err))
				}
				return agg, ev.Err
			}
		}
	}
}

// endedEarly describes a run whose events closed without a terminal event.
// With the client still present the run was stopped on the server side.
func endedEarly(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errkind.New(errkind.ClientDisconnected, op, err)
	}
	return errkind.Errorf(errkind.Internal, op, "run ended without a terminal event")
}
