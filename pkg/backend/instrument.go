package backend

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/errkind"
)

// ErrPingUnsupported is returned by wrappers whose backend has no Ping.
var ErrPingUnsupported = errors.New("backend does not support ping")

// Instrumented records a span, metrics and a debug log line per stream.
type Instrumented struct {
	next     Backend
	provider string
	logger   zerolog.Logger
}

// Instrument wraps b with tracing and metrics labelled by provider.
func Instrument(b Backend, provider string, logger zerolog.Logger) *Instrumented {
	return &Instrumented{next: b, provider: provider, logger: logger}
}

// Stream implements Backend
func (i *Instrumented) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "codepipe.backend", "backend.stream",
			attribute.String("backend.provider", i.provider),
			attribute.Int("backend.context_messages", len(req.Context)),
		)
		logger := tracing.LoggerFromContext(ctx, i.logger)

		start := time.Now()
		observability.BackendStreamStarted(i.provider)

		var (
			streamErr error
			deltas    int
			chars     int
		)
		defer func() {
			result := "ok"
			if streamErr != nil {
				result = string(errkind.KindOf(streamErr))
			}
			observability.BackendStreamFinished(i.provider, result, time.Since(start))
			span.SetAttributes(attribute.Int("backend.deltas", deltas), attribute.Int("backend.chars", chars))
			tracing.EndSpan(span, streamErr)
			logger.Debug().
				Str("provider", i.provider).
				Int("deltas", deltas).
				Int("chars", chars).
				Dur("duration", time.Since(start)).
				Str("result", result).
				Msg("Backend stream finished")
		}()

		for delta, err := range i.next.Stream(ctx, req) {
			if err != nil {
				streamErr = err
			} else {
				deltas++
				chars += len(delta)
			}
			if !yield(delta, err) {
				return
			}
		}
	}
}

// Ping delegates to the wrapped backend when it supports it.
func (i *Instrumented) Ping(ctx context.Context) error {
	if p, ok := i.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return ErrPingUnsupported
}
