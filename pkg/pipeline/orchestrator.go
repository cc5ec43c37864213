package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/codepipe/internal/observability"
	"github.com/harun/codepipe/internal/tracing"
	"github.com/harun/codepipe/pkg/backend"
	"github.com/harun/codepipe/pkg/errkind"
	"github.com/harun/codepipe/pkg/runqueue"
	"github.com/harun/codepipe/pkg/session"
	"github.com/harun/codepipe/pkg/stage"
)

// Config holds orchestrator dependencies.
type Config struct {
	Backend  backend.Backend
	Sessions *session.Store
	Stages   []*stage.Definition
	// Queue serializes runs per session. A private queue is created when nil.
	Queue  *runqueue.Queue
	Logger zerolog.Logger
	// RunTimeout bounds the stages of one run, 0 for none.
	RunTimeout time.Duration
	// QueueWarnAfter logs when a run waits this long behind another run on
	// the same session, 0 to disable.
	QueueWarnAfter time.Duration
}

// Orchestrator executes pipeline runs.
type Orchestrator struct {
	backend        backend.Backend
	sessions       *session.Store
	stages         []*stage.Definition
	queue          *runqueue.Queue
	ownQueue       bool
	logger         zerolog.Logger
	runTimeout     time.Duration
	queueWarnAfter time.Duration
}

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if err := stage.Validate(cfg.Stages); err != nil {
		return nil, fmt.Errorf("invalid stages: %w", err)
	}

	o := &Orchestrator{
		backend:        cfg.Backend,
		sessions:       cfg.Sessions,
		stages:         cfg.Stages,
		queue:          cfg.Queue,
		logger:         cfg.Logger,
		runTimeout:     cfg.RunTimeout,
		queueWarnAfter: cfg.QueueWarnAfter,
	}
	if o.queue == nil {
		o.queue = runqueue.New(runqueue.Config{Logger: cfg.Logger})
		o.ownQueue = true
	}
	return o, nil
}

// Stages returns the stage definitions in order.
func (o *Orchestrator) Stages() []*stage.Definition {
	return o.stages
}

// Close releases the orchestrator's private queue, if it owns one.
func (o *Orchestrator) Close() error {
	if o.ownQueue {
		return o.queue.Close()
	}
	return nil
}

// Start validates req, resolves its session and schedules the run on the
// session's lane. An empty query fails with StageInputInvalid before any
// event exists. The caller must drain Events until it is closed, or cancel
// ctx.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Run, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errkind.Errorf(errkind.StageInputInvalid, "pipeline.start", "query must not be empty")
	}

	sess, err := o.sessions.Resolve(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}

	// Held until the run finishes so the idle sweep cannot orphan it.
	o.sessions.Retain(sess)
	run := newRun(tracing.NewRunID(), query, sess, o.stages)
	run.onFinish = func() { o.sessions.Release(sess) }
	ctx = tracing.NewRunContext(ctx, run.id, sess.Key().String())
	logger := tracing.LoggerFromContext(ctx, o.logger)

	opts := &runqueue.Options{WarnAfter: o.queueWarnAfter}
	started := false
	ticket, err := o.queue.Submit(ctx, sess.Key().String(), func(taskCtx context.Context) error {
		started = true
		return o.execute(ctx, taskCtx, run)
	}, opts)
	if err != nil {
		o.sessions.Release(sess)
		return nil, errkind.New(errkind.Internal, "pipeline.start", err)
	}

	logger.Debug().Int("query_len", len(query)).Msg("Run scheduled")

	go func() {
		_ = ticket.Wait()
		if !started {
			// Dropped before reaching the front of its lane.
			run.finish(StatusAborted, errkind.New(errkind.ClientDisconnected, "pipeline.start", ctx.Err()))
			logger.Info().Msg("Run aborted before start")
		}
	}()

	return run, nil
}

// execute runs every stage. clientCtx governs event delivery; taskCtx also
// ends on queue shutdown and bounds the backend calls.
func (o *Orchestrator) execute(clientCtx, taskCtx context.Context, run *Run) (err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(taskCtx, "codepipe.pipeline", "pipeline.run",
		attribute.String("run.id", run.id),
		attribute.String("session.key", run.session.Key().String()),
	)
	logger := tracing.LoggerFromContext(ctx, o.logger)

	stageCtx := ctx
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	defer func() {
		res := run.Result()
		tracing.EndSpan(span, res.Err)
		observability.RecordRun(string(res.Status), res.Duration)
		observability.RecordRunAudit(ctx, run.id, run.session.Key().String(), string(res.Status), run.completedStages(), string(errkind.KindOf(res.Err)))

		ev := logger.Info().Str("status", string(res.Status)).Dur("duration", res.Duration)
		if res.Err != nil {
			ev = ev.Str("error_kind", string(errkind.KindOf(res.Err))).Err(res.Err)
		}
		ev.Msg("Run finished")
		err = res.Err
	}()

	history := historyMessages(run.session.History())

	// Delivery follows the client; taskCtx ends when the queue shuts down.
	deliver := ctx
	aborted := func() bool { return clientCtx.Err() != nil || taskCtx.Err() != nil }

	if run.emit(deliver, Event{Type: RunStarted}) != nil {
		run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
		return nil
	}

	var prior []stage.Output
	for i, def := range o.stages {
		run.setStage(i, Running, "", nil, 0)
		if run.emit(deliver, Event{Type: StageStarted, Stage: def.Name, Ordinal: def.Ordinal}) != nil {
			run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
			return nil
		}

		stageStart := time.Now()
		exec := def.Run(stageCtx, o.backend, stage.Input{Query: run.query, Prior: prior}, history)

		var stageErr error
		for delta, serr := range exec.Deltas() {
			if serr != nil {
				stageErr = serr
				break
			}
			if err := run.emit(deliver, Event{Type: StageChunk, Stage: def.Name, Ordinal: def.Ordinal, Content: delta}); err != nil {
				stageErr = err
				break
			}
		}
		elapsed := time.Since(stageStart)

		if aborted() {
			run.setStage(i, Failed, exec.Text(), abortErr(clientCtx, taskCtx), elapsed)
			run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
			return nil
		}

		if stageErr != nil {
			run.setStage(i, Failed, exec.Text(), stageErr, elapsed)
			logger.Warn().
				Str("stage", def.Name).
				Str("error_kind", string(errkind.KindOf(stageErr))).
				Err(stageErr).
				Msg("Stage failed")

			if run.emit(deliver, Event{Type: StageFailed, Stage: def.Name, Ordinal: def.Ordinal, Err: stageErr}) != nil {
				run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
				return nil
			}
			agg := run.aggregate()
			if run.emit(deliver, Event{Type: RunFailed, Err: stageErr, Aggregate: &agg}) != nil {
				run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
				return nil
			}
			run.finishSince(start, StatusFailed, stageErr)
			return nil
		}

		text := exec.Text()
		run.setStage(i, Succeeded, text, nil, elapsed)
		prior = append(prior, stage.Output{Stage: def.Name, OutputKey: def.OutputKey, Text: text})

		if run.emit(deliver, Event{Type: StageCompleted, Stage: def.Name, Ordinal: def.Ordinal, Content: text}) != nil {
			run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
			return nil
		}
	}

	agg := run.aggregate()
	if run.emit(deliver, Event{Type: RunCompleted, Aggregate: &agg}) != nil {
		run.finishSince(start, StatusAborted, abortErr(clientCtx, taskCtx))
		return nil
	}

	turn := session.Turn{
		RunID:    run.id,
		Query:    run.query,
		Response: agg.Final,
		Outputs:  make([]session.StageOutput, len(prior)),
	}
	for i, p := range prior {
		turn.Outputs[i] = session.StageOutput{Stage: p.Stage, OutputKey: p.OutputKey, Text: p.Text}
	}
	if err := o.sessions.Append(ctx, run.session, turn); err != nil {
		logger.Error().Err(err).Msg("Failed to append turn")
		run.finishSince(start, StatusFailed, errkind.New(errkind.Internal, "pipeline.append", err))
		return nil
	}

	run.finishSince(start, StatusCompleted, nil)
	return nil
}

// abortErr names why a run stopped early. A client that went away is a
// disconnect; a task context ended by queue shutdown is not.
func abortErr(clientCtx, taskCtx context.Context) error {
	if err := clientCtx.Err(); err != nil {
		return errkind.New(errkind.ClientDisconnected, "pipeline.run", err)
	}
	if err := taskCtx.Err(); err != nil {
		return errkind.New(errkind.Internal, "pipeline.run", fmt.Errorf("pipeline shutting down: %w", err))
	}
	return errkind.Errorf(errkind.ClientDisconnected, "pipeline.run", "consumer stopped")
}

// historyMessages turns completed turns into user/assistant context pairs.
func historyMessages(turns []session.Turn) []backend.Message {
	msgs := make([]backend.Message, 0, 2*len(turns))
	for _, t := range turns {
		msgs = append(msgs,
			backend.Message{Role: backend.RoleUser, Content: t.Query},
			backend.Message{Role: backend.RoleAssistant, Content: t.Response},
		)
	}
	return msgs
}
