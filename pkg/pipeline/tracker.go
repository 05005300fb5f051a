package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docquarry/quarry/pkg/store"
)

// Tracker persists job progress and mirrors it onto the event hub. It is
// the single writer of JobState during a run; the streaming endpoint only
// reads snapshots.
type Tracker struct {
	store *store.Store
	hub   *Hub
}

func NewTracker(st *store.Store, hub *Hub) *Tracker {
	return &Tracker{store: st, hub: hub}
}

func (t *Tracker) Hub() *Hub { return t.hub }

// Progress records the current stage and percent and emits a progress
// event.
func (t *Tracker) Progress(ctx context.Context, jobID, stage string, percent int, message string) {
	if err := t.store.UpdateJobProgress(ctx, jobID, stage, percent, message); err != nil {
		slog.Error("failed to persist job progress", "job", jobID, "stage", stage, "error", err)
	}
	t.hub.Publish(Event{
		Kind:     EventProgress,
		JobID:    jobID,
		Status:   string(store.RunProcessing),
		Stage:    stage,
		Progress: percent,
		Message:  message,
	})
}

// StageDone flags the stage complete and optionally records its
// intermediate artifact key for resumption.
func (t *Tracker) StageDone(ctx context.Context, jobID, stage, intermediateKey string) {
	if err := t.store.MarkStageDone(ctx, jobID, stage, intermediateKey); err != nil {
		slog.Error("failed to mark stage done", "job", jobID, "stage", stage, "error", err)
	}
}

// Fail records a terminal failure and emits error followed by end.
func (t *Tracker) Fail(ctx context.Context, jobID string, serr *StageError) {
	if err := t.store.FailJob(ctx, jobID, serr.Stage, string(serr.Type), serr.Error(), serr.Retryable); err != nil {
		slog.Error("failed to persist job failure", "job", jobID, "error", err)
	}
	t.hub.Publish(Event{
		Kind:      EventFailed,
		JobID:     jobID,
		Status:    string(store.RunFailed),
		Stage:     serr.Stage,
		Message:   serr.Error(),
		ErrorType: string(serr.Type),
		Retryable: serr.Retryable,
	})
	t.hub.Publish(Event{Kind: EventEnd, JobID: jobID})
}

// Complete marks the job finished and emits complete followed by end.
func (t *Tracker) Complete(ctx context.Context, jobID string) {
	if err := t.store.CompleteJob(ctx, jobID); err != nil {
		slog.Error("failed to persist job completion", "job", jobID, "error", err)
	}
	t.hub.Publish(Event{
		Kind:     EventComplete,
		JobID:    jobID,
		Status:   string(store.RunCompleted),
		Progress: 100,
	})
	t.hub.Publish(Event{Kind: EventEnd, JobID: jobID})
}

// Snapshot builds the replay event a reconnecting subscriber receives
// before live events. Terminal states also yield the trailing end event.
func (t *Tracker) Snapshot(ctx context.Context, jobID string) ([]Event, error) {
	j, err := t.store.JobState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job state: %w", err)
	}

	switch j.Status {
	case store.RunCompleted:
		return []Event{
			{Kind: EventComplete, JobID: jobID, Status: string(j.Status), Progress: 100},
			{Kind: EventEnd, JobID: jobID},
		}, nil
	case store.RunFailed, store.RunPartialFailed:
		return []Event{
			{
				Kind:      EventFailed,
				JobID:     jobID,
				Status:    string(j.Status),
				Stage:     j.ErrorStage,
				Message:   j.ErrorMessage,
				ErrorType: j.ErrorType,
				Retryable: j.ErrorRetryable,
			},
			{Kind: EventEnd, JobID: jobID},
		}, nil
	default:
		return []Event{{
			Kind:     EventProgress,
			JobID:    jobID,
			Status:   string(j.Status),
			Stage:    j.CurrentStage,
			Progress: j.Progress,
			Message:  j.Message,
		}}, nil
	}
}

// StagesDone returns the completed-stage flags, for resume planning.
func (t *Tracker) StagesDone(ctx context.Context, jobID string) (map[string]bool, error) {
	j, err := t.store.JobState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return j.StagesDone, nil
}
