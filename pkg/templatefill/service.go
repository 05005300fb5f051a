package templatefill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/store"
)

// Service accepts fill submissions and the post-review confirmation.
type Service struct {
	deps   *Deps
	worker *pipeline.Worker
}

func NewService(deps *Deps, worker *pipeline.Worker) *Service {
	worker.Register(AnalyzeChain(deps))
	worker.Register(RenderChain(deps))
	return &Service{deps: deps, worker: worker}
}

// SubmitRequest starts a fill run over an uploaded template and a set of
// already-ingested documents.
type SubmitRequest struct {
	UserID       string
	OrgID        string
	TemplatePath string
	DocumentIDs  []string
}

// Result reports the run and its job for progress streaming.
type Result struct {
	Run   *store.TemplateFillRun `json:"run"`
	JobID string                 `json:"job_id"`
}

// Submit creates the run and enqueues the analysis chain. The run parks in
// awaiting_user_review once auto-mapping finishes.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	if len(req.DocumentIDs) == 0 {
		return nil, fmt.Errorf("at least one document is required")
	}

	run := &store.TemplateFillRun{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		OrgID:        req.OrgID,
		TemplatePath: req.TemplatePath,
		DocumentIDs:  req.DocumentIDs,
	}
	if err := s.deps.Store.CreateFillRun(ctx, run); err != nil {
		return nil, err
	}

	jobID := run.ID
	if err := s.deps.Store.CreateJobState(ctx, &store.JobState{JobID: jobID, TemplateFillID: run.ID}); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: jobID, ParentID: run.ID}
	payload.Set(varRunID, run.ID)
	if err := s.worker.Start(ctx, ChainAnalyze, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue fill analysis: %w", err)
	}

	slog.Info("template fill enqueued", "run", run.ID, "documents", len(req.DocumentIDs))
	return &Result{Run: run, JobID: jobID}, nil
}

// Confirm accepts the user-reviewed mapping and enqueues the render chain.
// A nil mapping keeps the auto-mapped values.
func (s *Service) Confirm(ctx context.Context, runID string, reviewed []Mapping) (*Result, error) {
	run, err := s.deps.Store.FillRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunAwaitingUser {
		return nil, fmt.Errorf("fill run %s is %s, expected %s", run.ID, run.Status, store.RunAwaitingUser)
	}

	if reviewed != nil {
		raw, err := json.Marshal(reviewed)
		if err != nil {
			return nil, fmt.Errorf("failed to encode mapping: %w", err)
		}
		run.MappingJSON = string(raw)
	}
	run.Status = store.RunProcessing
	if err := s.deps.Store.UpdateFillRun(ctx, run); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: run.ID, ParentID: run.ID}
	payload.Set(varRunID, run.ID)
	if err := s.worker.Start(ctx, ChainRender, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue fill render: %w", err)
	}

	slog.Info("template fill confirmed", "run", run.ID)
	return &Result{Run: run, JobID: run.ID}, nil
}
