package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/store"
)

func pipelineConfig() config.PipelineConfig {
	cfg := config.PipelineConfig{Concurrency: 1}
	cfg.SetDefaults()
	return cfg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "pipeline.db"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestWorker(t *testing.T, s *store.Store) (*Worker, *Hub) {
	t.Helper()
	hub := NewHub()
	broker := NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	w := NewWorker(pipelineConfig(), broker, NewTracker(s, hub))
	w.delay = func(_ time.Duration, fn func()) { fn() }
	return w, hub
}

func seedJob(t *testing.T, s *store.Store, jobID string) {
	t.Helper()
	require.NoError(t, s.CreateJobState(context.Background(), &store.JobState{
		JobID:        jobID,
		ExtractionID: jobID + "-parent",
	}))
}

// drainUntilEnd collects events until the end marker or a timeout.
func drainUntilEnd(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
			if ev.Kind == EventEnd {
				return out
			}
		case <-deadline:
			t.Fatalf("no end event, got %d events", len(out))
		}
	}
}

func TestChainRunsStagesInOrder(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context, *Payload) error {
		return func(_ context.Context, p *Payload) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	w.Register(&Chain{Name: "test", Stages: []Stage{
		{Name: "parse", Run: record("parse"), Progress: 10},
		{Name: "chunk", Run: record("chunk"), Progress: 50},
		{Name: "finish", Run: record("finish"), Progress: 90},
	}})

	events, cancel := hub.Subscribe("j1")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go w.Run(ctx)

	require.NoError(t, w.Start(ctx, "test", &Payload{JobID: "j1", ParentID: "p1"}))
	got := drainUntilEnd(t, events)

	mu.Lock()
	assert.Equal(t, []string{"parse", "chunk", "finish"}, order)
	mu.Unlock()

	// Progress events for each stage, then complete, then end.
	var kinds []EventKind
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{
		EventProgress, EventProgress, EventProgress, EventComplete, EventEnd,
	}, kinds)

	j, err := s.JobState(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.True(t, j.StagesDone["parse"])
	assert.True(t, j.StagesDone["finish"])
}

func TestRetryableErrorRetriesThenSucceeds(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")

	calls := 0
	w.Register(&Chain{Name: "test", Stages: []Stage{{
		Name: "flaky",
		Run: func(context.Context, *Payload) error {
			calls++
			if calls < 3 {
				return Fail("flaky", ErrLLM, errors.New("overloaded"))
			}
			return nil
		},
	}}})

	events, cancel := hub.Subscribe("j1")
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go w.Run(ctx)

	require.NoError(t, w.Start(ctx, "test", &Payload{JobID: "j1"}))
	got := drainUntilEnd(t, events)

	assert.Equal(t, 3, calls)
	assert.Equal(t, EventComplete, got[len(got)-2].Kind)
}

func TestRetriesExhaustedFailsJob(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")

	calls := 0
	w.Register(&Chain{Name: "test", Stages: []Stage{
		{Name: "flaky", Run: func(context.Context, *Payload) error {
			calls++
			return Fail("flaky", ErrLLM, errors.New("overloaded"))
		}},
		{Name: "after", Run: func(context.Context, *Payload) error {
			t.Error("downstream stage must not run work on a failed chain")
			return nil
		}},
	}})

	events, cancel := hub.Subscribe("j1")
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go w.Run(ctx)

	require.NoError(t, w.Start(ctx, "test", &Payload{JobID: "j1"}))
	got := drainUntilEnd(t, events)

	// MaxTaskAttempts=3 total attempts for the task.
	assert.Equal(t, 3, calls)

	var failed *Event
	for i := range got {
		if got[i].Kind == EventFailed {
			failed = &got[i]
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "llm_error", failed.ErrorType)
	assert.Equal(t, "flaky", failed.Stage)

	j, err := s.JobState(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, j.Status)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")

	calls := 0
	w.Register(&Chain{Name: "test", Stages: []Stage{{
		Name: "validate",
		Run: func(context.Context, *Payload) error {
			calls++
			return Fail("validate", ErrValidation, errors.New("bad citations"))
		},
	}}})

	events, cancel := hub.Subscribe("j1")
	defer cancel()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go w.Run(ctx)

	require.NoError(t, w.Start(ctx, "test", &Payload{JobID: "j1"}))
	got := drainUntilEnd(t, events)

	assert.Equal(t, 1, calls)
	assert.Equal(t, EventFailed, got[len(got)-2].Kind)
	assert.False(t, got[len(got)-2].Retryable)
}

func TestResumeSkipsCompletedStages(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")

	// parse and chunk already completed in a prior run.
	ctx := context.Background()
	require.NoError(t, s.MarkStageDone(ctx, "j1", "parse", ""))
	require.NoError(t, s.MarkStageDone(ctx, "j1", "chunk", "intermediates/chunks.json"))

	var ran []string
	var mu sync.Mutex
	record := func(name string) func(context.Context, *Payload) error {
		return func(context.Context, *Payload) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}
	w.Register(&Chain{Name: "test", Stages: []Stage{
		{Name: "parse", Run: record("parse")},
		{Name: "chunk", Run: record("chunk")},
		{Name: "extract", Run: record("extract")},
	}})

	events, cancel := hub.Subscribe("j1")
	defer cancel()
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go w.Run(runCtx)

	require.NoError(t, w.Resume(runCtx, "test", &Payload{JobID: "j1"}))
	drainUntilEnd(t, events)

	mu.Lock()
	assert.Equal(t, []string{"extract"}, ran)
	mu.Unlock()
}

func TestResumeWithAllStagesDoneCompletes(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")

	ctx := context.Background()
	require.NoError(t, s.MarkStageDone(ctx, "j1", "only", ""))
	w.Register(&Chain{Name: "test", Stages: []Stage{
		{Name: "only", Run: func(context.Context, *Payload) error {
			t.Error("completed stage must not re-run")
			return nil
		}},
	}})

	events, cancel := hub.Subscribe("j1")
	defer cancel()
	require.NoError(t, w.Resume(ctx, "test", &Payload{JobID: "j1"}))
	got := drainUntilEnd(t, events)
	assert.Equal(t, EventComplete, got[0].Kind)
}

func TestSnapshotReplaysTerminalState(t *testing.T) {
	s := newTestStore(t)
	hub := NewHub()
	tracker := NewTracker(s, hub)
	seedJob(t, s, "j1")

	ctx := context.Background()
	tracker.Fail(ctx, "j1", Fail("extract", ErrLLM, errors.New("overloaded")))

	events, err := tracker.Snapshot(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventFailed, events[0].Kind)
	assert.Equal(t, "llm_error", events[0].ErrorType)
	assert.Equal(t, EventEnd, events[1].Kind)

	// In-flight jobs replay a single progress snapshot.
	seedJob(t, s, "j2")
	tracker.Progress(ctx, "j2", "chunk", 40, "chunking")
	events, err = tracker.Snapshot(ctx, "j2")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventProgress, events[0].Kind)
	assert.Equal(t, "chunk", events[0].Stage)
	assert.Equal(t, 40, events[0].Progress)
}

func TestBackoffDoublesToCap(t *testing.T) {
	w := NewWorker(pipelineConfig(), NewMemoryBroker(), nil)
	assert.Equal(t, 2*time.Second, w.backoff(1))
	assert.Equal(t, 4*time.Second, w.backoff(2))
	assert.Equal(t, 8*time.Second, w.backoff(3))
	assert.Equal(t, 8*time.Second, w.backoff(4))
}

func TestMemoryBrokerDelivers(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, &Task{Chain: "c", Stage: "s", Payload: &Payload{JobID: "j"}}))
	task, err := b.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s", task.Stage)
	assert.Equal(t, "j", task.Payload.JobID)

	require.NoError(t, b.Close())
	_, err = b.Dequeue(ctx)
	assert.Error(t, err)
	assert.Error(t, b.Enqueue(ctx, &Task{}))
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("j1")
	defer cancel()

	// Overflow the buffer; Publish must not block.
	for i := 0; i < 200; i++ {
		hub.Publish(Event{Kind: EventProgress, JobID: "j1", Progress: i})
	}
	assert.Len(t, ch, 64)
}

func TestRetryBackoffDoesNotHoldWorkerSlot(t *testing.T) {
	s := newTestStore(t)
	w, hub := newTestWorker(t, s)
	seedJob(t, s, "j1")
	seedJob(t, s, "j2")

	// Capture scheduled retries instead of firing them, so the backoff
	// window stays open while the second job runs.
	var mu sync.Mutex
	var pending []func()
	var delays []time.Duration
	w.delay = func(d time.Duration, fn func()) {
		mu.Lock()
		delays = append(delays, d)
		pending = append(pending, fn)
		mu.Unlock()
	}

	failures := 0
	w.Register(&Chain{Name: "flaky", Stages: []Stage{{
		Name: "flaky",
		Run: func(context.Context, *Payload) error {
			mu.Lock()
			failures++
			first := failures == 1
			mu.Unlock()
			if first {
				return Fail("flaky", ErrLLM, errors.New("overloaded"))
			}
			return nil
		},
	}}})
	w.Register(&Chain{Name: "quick", Stages: []Stage{{
		Name: "quick",
		Run:  func(context.Context, *Payload) error { return nil },
	}}})

	ev1, cancel1 := hub.Subscribe("j1")
	defer cancel1()
	ev2, cancel2 := hub.Subscribe("j2")
	defer cancel2()

	// Concurrency is 1: a slot held across the backoff would starve j2.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go w.Run(ctx)

	require.NoError(t, w.Start(ctx, "flaky", &Payload{JobID: "j1"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Start(ctx, "quick", &Payload{JobID: "j2"}))
	got := drainUntilEnd(t, ev2)
	assert.Equal(t, EventComplete, got[len(got)-2].Kind)

	// Release the backoff; the retried delivery carries the attempt count.
	mu.Lock()
	assert.Equal(t, 2*time.Second, delays[0])
	fn := pending[0]
	mu.Unlock()
	fn()

	got = drainUntilEnd(t, ev1)
	assert.Equal(t, EventComplete, got[len(got)-2].Kind)
	mu.Lock()
	assert.Equal(t, 2, failures)
	mu.Unlock()
}
