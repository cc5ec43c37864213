// Package backendtest provides a scripted Backend for tests.
package backendtest

import (
	"context"
	"iter"
	"sync"

	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/errkind"
)

// Reply scripts one Stream call.
type Reply struct {
	// Deltas are yielded in order.
	Deltas []string
	// Err, when set, is yielded after Deltas.
	Err error
	// Gate, when set, must be closed before the first delta is yielded.
	Gate <-chan struct{}
	// Hang keeps the stream open after Deltas until ctx is cancelled.
	Hang bool
}

// Text is a Reply that yields s split into two deltas.
func Text(s string) Reply {
	if len(s) < 2 {
		return Reply{Deltas: []string{s}}
	}
	mid := len(s) / 2
	return Reply{Deltas: []string{s[:mid], s[mid:]}}
}

// Fail is a Reply that fails immediately with kind.
func Fail(kind errkind.Kind, msg string) Reply {
	return Reply{Err: errkind.Errorf(kind, "backendtest", "%s", msg)}
}

// Scripted replays Replies in call order. Once the script runs out it
// answers with Fallback, or echoes the instruction when Fallback is nil.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	calls    []backend.Request
	started  chan int
	Fallback func(req backend.Request) Reply
	PingErr  error
}

// New creates a Scripted backend.
func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies, started: make(chan int, 64)}
}

// Stream implements backend.Backend
func (s *Scripted) Stream(ctx context.Context, req backend.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		reply, n := s.next(req)
		select {
		case s.started <- n:
		default:
		}

		if reply.Gate != nil {
			select {
			case <-reply.Gate:
			case <-ctx.Done():
				yield("", errkind.New(errkind.ClientDisconnected, "backendtest", ctx.Err()))
				return
			}
		}

		for _, d := range reply.Deltas {
			if err := ctx.Err(); err != nil {
				yield("", errkind.New(errkind.ClientDisconnected, "backendtest", err))
				return
			}
			if !yield(d, nil) {
				return
			}
		}

		if reply.Hang {
			<-ctx.Done()
			yield("", errkind.New(errkind.ClientDisconnected, "backendtest", ctx.Err()))
			return
		}
		if reply.Err != nil {
			yield("", reply.Err)
		}
	}
}

func (s *Scripted) next(req backend.Request) (Reply, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	n := len(s.calls)
	if len(s.replies) > 0 {
		r := s.replies[0]
		s.replies = s.replies[1:]
		return r, n
	}
	if s.Fallback != nil {
		return s.Fallback(req), n
	}
	return Text("echo: " + req.Instruction), n
}

// Calls returns a copy of every request received so far.
func (s *Scripted) Calls() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Started delivers the 1-based index of each call as it begins streaming.
func (s *Scripted) Started() <-chan int {
	return s.started
}

// Ping implements backend.Pinger
func (s *Scripted) Ping(context.Context) error {
	return s.PingErr
}
