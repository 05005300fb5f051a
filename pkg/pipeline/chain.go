package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/observability"
)

var tracer = observability.Tracer("quarry/pipeline")

// Stage is one idempotent step of a chain. Run mutates the payload; the
// worker handles persistence, retries, and chaining.
type Stage struct {
	Name string
	Run  func(ctx context.Context, p *Payload) error

	// Progress is the percent reported when this stage starts.
	Progress int
}

// Chain is an ordered stage sequence identified by name.
type Chain struct {
	Name   string
	Stages []Stage

	// OnFailure propagates a terminal failure to the parent record. The
	// tracker has already recorded it on the JobState.
	OnFailure func(ctx context.Context, p *Payload, err *StageError)
}

func (c *Chain) stageIndex(name string) int {
	for i, s := range c.Stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// FirstIncomplete returns the earliest stage not flagged done, for resume.
func (c *Chain) FirstIncomplete(done map[string]bool) string {
	for _, s := range c.Stages {
		if !done[s.Name] {
			return s.Name
		}
	}
	return ""
}

// Worker consumes tasks from the broker and drives chains to completion.
type Worker struct {
	cfg     config.PipelineConfig
	broker  Broker
	tracker *Tracker

	mu     sync.RWMutex
	chains map[string]*Chain

	// delay schedules a function after a backoff interval. Replaced in
	// tests to skip real waits.
	delay func(time.Duration, func())
}

func NewWorker(cfg config.PipelineConfig, broker Broker, tracker *Tracker) *Worker {
	return &Worker{
		cfg:     cfg,
		broker:  broker,
		tracker: tracker,
		chains:  map[string]*Chain{},
		delay:   func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// SetDelay overrides the backoff scheduler. Tests use it to fire
// immediately.
func (w *Worker) SetDelay(fn func(time.Duration, func())) { w.delay = fn }

// Register adds a chain. Chains are registered at startup, before Run.
func (w *Worker) Register(chain *Chain) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chains[chain.Name] = chain
}

// Start enqueues the first stage of a chain for the given payload.
func (w *Worker) Start(ctx context.Context, chainName string, p *Payload) error {
	w.mu.RLock()
	chain, ok := w.chains[chainName]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown chain %q", chainName)
	}
	observability.JobStarted(chainName)
	return w.broker.Enqueue(ctx, &Task{Chain: chainName, Stage: chain.Stages[0].Name, Payload: p})
}

// Resume enqueues the first incomplete stage of a chain, reading the
// completed-stage flags from the tracker.
func (w *Worker) Resume(ctx context.Context, chainName string, p *Payload) error {
	w.mu.RLock()
	chain, ok := w.chains[chainName]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown chain %q", chainName)
	}
	done, err := w.tracker.StagesDone(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("failed to plan resume: %w", err)
	}
	stage := chain.FirstIncomplete(done)
	if stage == "" {
		w.tracker.Complete(ctx, p.JobID)
		return nil
	}
	return w.broker.Enqueue(ctx, &Task{Chain: chainName, Stage: stage, Payload: p})
}

// Run consumes tasks until the context ends. It blocks; callers run it in
// a goroutine per worker process.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := w.broker.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, context.Canceled) {
						return
					}
					slog.Error("dequeue failed", "error", err)
					return
				}
				w.handle(ctx, task)
			}
		}()
	}
	wg.Wait()
}

func (w *Worker) handle(ctx context.Context, task *Task) {
	w.mu.RLock()
	chain, ok := w.chains[task.Chain]
	w.mu.RUnlock()
	if !ok {
		slog.Error("task for unknown chain dropped", "chain", task.Chain, "stage", task.Stage)
		return
	}
	idx := chain.stageIndex(task.Stage)
	if idx < 0 {
		slog.Error("task for unknown stage dropped", "chain", task.Chain, "stage", task.Stage)
		return
	}
	stage := chain.Stages[idx]
	p := task.Payload

	// A dead chain passes through so every queued task drains without work.
	if p.Failed {
		w.next(ctx, chain, idx, p)
		return
	}

	w.tracker.Progress(ctx, p.JobID, stage.Name, stage.Progress, "")

	sctx, span := tracer.Start(ctx, chain.Name+"."+stage.Name,
		trace.WithAttributes(
			attribute.String("pipeline.chain", chain.Name),
			attribute.String("pipeline.stage", stage.Name),
			attribute.String("pipeline.job_id", p.JobID),
			attribute.Int("pipeline.attempt", task.Attempt),
		))
	started := time.Now()
	err := stage.Run(sctx, p)
	observability.ObserveStage(chain.Name, stage.Name, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if err != nil {
		if w.retry(ctx, task, stage, err) {
			return
		}
		serr := Classify(stage.Name, ErrStorage, err)
		slog.Error("stage failed", "chain", chain.Name, "stage", stage.Name,
			"job", p.JobID, "type", string(serr.Type), "error", err)
		observability.JobFailed(chain.Name, string(serr.Type))
		w.tracker.Fail(ctx, p.JobID, serr)
		if chain.OnFailure != nil {
			chain.OnFailure(ctx, p, serr)
		}
		p.Failed = true
		w.next(ctx, chain, idx, p)
		return
	}

	w.tracker.StageDone(ctx, p.JobID, stage.Name, p.Get("intermediate:"+stage.Name))
	if idx == len(chain.Stages)-1 {
		observability.JobCompleted(chain.Name)
		w.tracker.Complete(ctx, p.JobID)
		return
	}
	w.next(ctx, chain, idx, p)
}

// retry re-enqueues a failed task with exponential backoff when attempts
// remain, so the backoff never occupies a worker slot. It reports whether
// a retry was scheduled.
func (w *Worker) retry(ctx context.Context, task *Task, stage Stage, err error) bool {
	attempt := task.Attempt + 1

	var serr *StageError
	if !errors.As(err, &serr) || !serr.Retryable || attempt >= w.cfg.MaxTaskAttempts {
		return false
	}
	delay := w.backoff(attempt)
	slog.Warn("retrying stage", "stage", stage.Name, "job", task.Payload.JobID,
		"attempt", attempt, "delay", delay, "error", err)

	next := &Task{Chain: task.Chain, Stage: task.Stage, Attempt: attempt, Payload: task.Payload}
	w.delay(delay, func() {
		if err := w.broker.Enqueue(ctx, next); err != nil {
			slog.Error("failed to re-enqueue retry", "chain", next.Chain, "stage", next.Stage,
				"job", next.Payload.JobID, "error", err)
		}
	})
	return true
}

func (w *Worker) backoff(attempt int) time.Duration {
	d := time.Duration(w.cfg.BackoffBaseSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if limit := time.Duration(w.cfg.BackoffCapSeconds) * time.Second; d > limit {
		d = limit
	}
	return d
}

func (w *Worker) next(ctx context.Context, chain *Chain, idx int, p *Payload) {
	if idx == len(chain.Stages)-1 {
		return
	}
	nextStage := chain.Stages[idx+1].Name
	if err := w.broker.Enqueue(ctx, &Task{Chain: chain.Name, Stage: nextStage, Payload: p}); err != nil {
		slog.Error("failed to enqueue next stage", "chain", chain.Name, "stage", nextStage,
			"job", p.JobID, "error", err)
	}
}
