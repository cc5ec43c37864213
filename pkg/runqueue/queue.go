package runqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
)

// ErrClosed is returned by Enqueue and Submit after Close.
var ErrClosed = errors.New("run queue is closed")

// Task is the unit of work executed on a lane
type Task func(ctx context.Context) error

// Options tunes a single Enqueue call
type Options struct {
	// WarnAfter fires OnWait once if the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, position int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    Options
	result     chan error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// Event describes a lane transition, for observers
type Event struct {
	Type   string // enqueued, started, completed, dropped
	Lane   string
	TaskID string
	Wait   time.Duration
	Err    error
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Config holds queue settings
type Config struct {
	Logger zerolog.Logger
}

// Queue provides lane-based task serialization
type Queue struct {
	logger zerolog.Logger

	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	eventMu  sync.RWMutex
	handlers []EventHandler
}

// New creates an empty queue
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger: cfg.Logger,
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Ticket tracks a submitted task.
type Ticket struct {
	q      *Queue
	lane   string
	record *taskRecord
	span   trace.Span
	logger zerolog.Logger
}

// Enqueue appends task to lane and blocks until it has run or been dropped.
// It returns the task's error, ctx.Err() if ctx ended while the task was
// still queued, or ErrClosed.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *Options) error {
	t, err := q.Submit(ctx, lane, task, options)
	if err != nil {
		return err
	}
	return t.Wait()
}

// Submit appends task to lane and returns without waiting. Tasks submitted
// to one lane run in the order Submit was called.
func (q *Queue) Submit(ctx context.Context, lane string, task Task, options *Options) (*Ticket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "codepipe.runqueue", "runqueue.enqueue",
		attribute.String("lane", lane),
	)
	logger := tracing.LoggerFromContext(ctx, q.logger)

	opts := Options{}
	if options != nil {
		opts = *options
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		tracing.EndSpan(span, ErrClosed)
		return nil, ErrClosed
	}
	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan error, 1),
	}
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{}
		q.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	depth := q.depthLocked()
	position := len(ls.queue)
	q.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("position", position).
		Msg("Task enqueued")
	observability.RecordLaneEnqueue(depth)
	q.emit(Event{Type: "enqueued", Lane: lane, TaskID: record.id})

	if opts.WarnAfter > 0 {
		go q.warnIfWaiting(lane, record)
	}

	q.process(lane)

	return &Ticket{q: q, lane: lane, record: record, span: span, logger: logger}, nil
}

// Wait blocks until the task has run or was dropped because its context
// ended while queued. Wait must be called exactly once.
func (t *Ticket) Wait() (err error) {
	defer func() { tracing.EndSpan(t.span, err) }()

	select {
	case err = <-t.record.result:
		return err
	case <-t.record.ctx.Done():
	}

	if t.q.dropQueued(t.lane, t.record) {
		err = t.record.ctx.Err()
		t.logger.Debug().Str("task_id", t.record.id).Msg("Queued task dropped")
		t.q.emit(Event{Type: "dropped", Lane: t.lane, TaskID: t.record.id, Err: err})
		return err
	}
	// Already running; the task observes ctx itself.
	err = <-t.record.result
	return err
}

// process starts the lane's head task if the lane is idle.
func (q *Queue) process(lane string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok || ls.running {
		return
	}
	if len(ls.queue) == 0 {
		delete(q.lanes, lane)
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	q.wg.Add(1)
	go q.execute(lane, record)
}

func (q *Queue) execute(lane string, record *taskRecord) {
	defer q.wg.Done()

	wait := time.Since(record.enqueuedAt)
	taskCtx, span := tracing.StartSpan(record.ctx, "codepipe.runqueue", "runqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
		attribute.Int64("wait_ms", wait.Milliseconds()),
	)
	logger := tracing.LoggerFromContext(taskCtx, q.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)

	q.emit(Event{Type: "started", Lane: lane, TaskID: record.id, Wait: wait})
	logger.Debug().Str("lane", lane).Str("task_id", record.id).Dur("wait", wait).Msg("Task started")

	start := time.Now()
	err := record.task(runCtx)
	duration := time.Since(start)

	stopCancel()
	cancel()
	tracing.EndSpan(span, err)

	q.mu.Lock()
	if ls, ok := q.lanes[lane]; ok {
		ls.running = false
	}
	depth := q.depthLocked()
	q.mu.Unlock()

	record.result <- err

	if err != nil {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordLaneCompletion(wait, err == nil, depth)
	q.emit(Event{Type: "completed", Lane: lane, TaskID: record.id, Wait: wait, Err: err})

	q.process(lane)
}

// dropQueued removes record from the lane if it has not started.
func (q *Queue) dropQueued(lane string, record *taskRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return false
	}
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			if len(ls.queue) == 0 && !ls.running {
				delete(q.lanes, lane)
			}
			return true
		}
	}
	return false
}

func (q *Queue) warnIfWaiting(lane string, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-record.ctx.Done():
		return
	case <-q.ctx.Done():
		return
	}

	q.mu.Lock()
	position := -1
	if ls, ok := q.lanes[lane]; ok {
		for i, r := range ls.queue {
			if r == record {
				position = i + 1
				break
			}
		}
	}
	q.mu.Unlock()

	if position < 0 {
		return
	}
	wait := time.Since(record.enqueuedAt)
	q.logger.Warn().
		Str("lane", lane).
		Str("task_id", record.id).
		Dur("wait", wait).
		Int("position", position).
		Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, position)
	}
}

// depthLocked counts queued and running tasks across lanes. Callers hold q.mu.
func (q *Queue) depthLocked() int {
	n := 0
	for _, ls := range q.lanes {
		n += len(ls.queue)
		if ls.running {
			n++
		}
	}
	return n
}

// Stats summarizes the queue
type Stats struct {
	Lanes   int `json:"lanes"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Stats returns a snapshot of lane usage
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Lanes: len(q.lanes)}
	for _, ls := range q.lanes {
		s.Queued += len(ls.queue)
		if ls.running {
			s.Running++
		}
	}
	return s
}

// LaneSize returns queued plus running tasks for one lane
func (q *Queue) LaneSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok {
		return 0
	}
	n := len(ls.queue)
	if ls.running {
		n++
	}
	return n
}

// On registers an event handler
func (q *Queue) On(handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.handlers = append(q.handlers, handler)
}

func (q *Queue) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.handlers
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Close rejects new tasks, cancels running ones and waits for them.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
