package backend

import (
	"context"
	"iter"

	"golang.org/x/sync/semaphore"
)

// Limited caps the number of concurrently open streams on a backend.
type Limited struct {
	next Backend
	sem  *semaphore.Weighted
}

// Limit wraps b so at most n streams run at once. Waiting for a slot
// respects ctx.
func Limit(b Backend, n int) *Limited {
	if n <= 0 {
		n = 1
	}
	return &Limited{next: b, sem: semaphore.NewWeighted(int64(n))}
}

// Stream implements Backend
func (l *Limited) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			yield("", classify("backend.acquire", err))
			return
		}
		defer l.sem.Release(1)

		for delta, err := range l.next.Stream(ctx, req) {
			if !yield(delta, err) {
				return
			}
		}
	}
}

// Ping delegates to the wrapped backend when it supports it.
func (l *Limited) Ping(ctx context.Context) error {
	if p, ok := l.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return ErrPingUnsupported
}
