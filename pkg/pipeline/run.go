package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/harun/codepipe/pkg/session"
	"github.com/harun/codepipe/pkg/stage"
)

// Run is one in-flight pipeline execution.
type Run struct {
	id      string
	query   string
	session *session.Session
	events  chan Event
	done    chan struct{}
	created time.Time

	seq int64 // owned by the executing goroutine

	// onFinish runs once, before Done is closed.
	onFinish func()

	mu     sync.Mutex
	result Result
	closed bool
}

func newRun(id, query string, sess *session.Session, defs []*stage.Definition) *Run {
	r := &Run{
		id:      id,
		query:   query,
		session: sess,
		events:  make(chan Event),
		done:    make(chan struct{}),
		created: time.Now(),
	}
	r.result = Result{
		RunID:     id,
		UserID:    sess.UserID(),
		SessionID: sess.ID(),
		Status:    StatusRunning,
		Stages:    make([]StageResult, len(defs)),
	}
	for i, d := range defs {
		r.result.Stages[i] = StageResult{Name: d.Name, Ordinal: d.Ordinal, OutputKey: d.OutputKey, Status: Pending}
	}
	return r
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// UserID returns the resolved user id.
func (r *Run) UserID() string { return r.session.UserID() }

// SessionID returns the resolved session id, generated when the request had none.
func (r *Run) SessionID() string { return r.session.ID() }

// Events delivers the run's events in order. The channel is closed after the
// terminal event, or when the run is aborted.
func (r *Run) Events() <-chan Event { return r.events }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.Result()
}

// Result returns a snapshot of the run's state.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Stages = append([]StageResult(nil), r.result.Stages...)
	res.Aggregate.Responses = append([]string(nil), r.result.Aggregate.Responses...)
	return res
}

// emit stamps ev and hands it to the consumer, giving up when ctx ends.
func (r *Run) emit(ctx context.Context, ev Event) error {
	r.seq++
	ev.Seq = r.seq
	ev.RunID = r.id
	ev.UserID = r.session.UserID()
	ev.SessionID = r.session.ID()

	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) setStage(i int, status StageStatus, output string, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.result.Stages[i]
	s.Status = status
	s.Output = output
	s.Err = err
	s.Duration = d
}

// aggregate collects the outputs of the stages that succeeded.
func (r *Run) aggregate() Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregateLocked()
}

func (r *Run) aggregateLocked() Aggregate {
	var agg Aggregate
	for _, s := range r.result.Stages {
		if s.Status != Succeeded {
			break
		}
		agg.Responses = append(agg.Responses, s.Output)
	}
	if len(agg.Responses) == len(r.result.Stages) && len(agg.Responses) > 0 {
		agg.Final = agg.Responses[len(agg.Responses)-1]
	}
	return agg
}

func (r *Run) completedStages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.result.Stages {
		if s.Status == Succeeded {
			n++
		}
	}
	return n
}

func (r *Run) finishSince(start time.Time, status Status, err error) {
	r.mu.Lock()
	r.result.Duration = time.Since(start)
	r.mu.Unlock()
	r.finish(status, err)
}

// finish records the outcome, closes the event channel and releases Wait.
func (r *Run) finish(status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.onFinish != nil {
		r.onFinish()
	}
	r.result.Status = status
	r.result.Err = err
	r.result.Aggregate = r.aggregateLocked()
	if r.result.Duration == 0 {
		r.result.Duration = time.Since(r.created)
	}
	close(r.events)
	close(r.done)
}
