package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

// ChainWorkflow runs prepare_context then generate_artifact.
const ChainWorkflow = "workflow"

const (
	varRunID       = "workflow_run_id"
	varPreparedKey = "intermediate:prepare_context"
)

// Jobs submits workflow runs onto the pipeline and backs their stages.
type Jobs struct {
	svc       *Service
	store     *store.Store
	artifacts *storage.Store
	worker    *pipeline.Worker
}

func NewJobs(svc *Service, st *store.Store, artifacts *storage.Store, worker *pipeline.Worker) *Jobs {
	j := &Jobs{svc: svc, store: st, artifacts: artifacts, worker: worker}
	worker.Register(&pipeline.Chain{
		Name: ChainWorkflow,
		Stages: []pipeline.Stage{
			{Name: "prepare_context", Progress: 20, Run: j.prepareContext},
			{Name: "generate_artifact", Progress: 60, Run: j.generateArtifact},
		},
		OnFailure: j.failRun,
	})
	return j
}

// SubmitRequest starts a template execution over ingested documents.
type SubmitRequest struct {
	UserID       string
	OrgID        string
	TemplateID   string
	DocumentIDs  []string
	Variables    map[string]interface{}
	CustomPrompt string
}

// SubmitResult reports the run and its job for progress streaming.
type SubmitResult struct {
	Run   *store.WorkflowRun `json:"run"`
	JobID string             `json:"job_id"`
}

// Submit freezes the template onto the run, persists it, and enqueues the
// chain.
func (j *Jobs) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TemplateID == "" {
		return nil, fmt.Errorf("template id is required")
	}
	if len(req.DocumentIDs) == 0 {
		return nil, fmt.Errorf("at least one document is required")
	}

	tpl, err := j.store.Template(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(tpl)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot template: %w", err)
	}

	run := &store.WorkflowRun{
		ID:                   uuid.NewString(),
		TemplateID:           tpl.ID,
		UserID:               req.UserID,
		OrgID:                req.OrgID,
		TemplateSnapshotJSON: string(snapshot),
		DocumentIDs:          req.DocumentIDs,
		CustomPrompt:         req.CustomPrompt,
	}
	if len(req.Variables) > 0 {
		raw, err := json.Marshal(req.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to encode variables: %w", err)
		}
		run.VariablesJSON = string(raw)
	}
	if err := j.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := j.store.CreateJobState(ctx, &store.JobState{JobID: run.ID, WorkflowRunID: run.ID}); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: run.ID, ParentID: run.ID}
	payload.Set(varRunID, run.ID)
	if err := j.worker.Start(ctx, ChainWorkflow, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue workflow run: %w", err)
	}

	slog.Info("workflow run enqueued", "run", run.ID, "template", tpl.Name, "documents", len(req.DocumentIDs))
	return &SubmitResult{Run: run, JobID: run.ID}, nil
}

// Retry re-enqueues a failed run from its first incomplete stage.
func (j *Jobs) Retry(ctx context.Context, runID string) (*SubmitResult, error) {
	run, err := j.store.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunFailed && run.Status != store.RunPartialFailed {
		return nil, fmt.Errorf("run %s is %s, only failed runs can be retried", run.ID, run.Status)
	}

	state, err := j.store.ResetJobForRetry(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if err := j.store.UpdateRunStatus(ctx, run.ID, store.RunProcessing, ""); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: run.ID, ParentID: run.ID}
	payload.Set(varRunID, run.ID)
	for stage, key := range state.Intermediates {
		payload.Set("intermediate:"+stage, key)
	}
	if err := j.worker.Resume(ctx, ChainWorkflow, payload); err != nil {
		return nil, fmt.Errorf("failed to resume workflow run: %w", err)
	}

	slog.Info("workflow run retried", "run", run.ID)
	return &SubmitResult{Run: run, JobID: run.ID}, nil
}

// failRun propagates a terminal job failure to the run. A salvaged
// partial has already recorded its own status and keeps it.
func (j *Jobs) failRun(ctx context.Context, p *pipeline.Payload, serr *pipeline.StageError) {
	run, err := j.store.Run(ctx, p.Get(varRunID))
	if err != nil {
		return
	}
	if run.Status == store.RunPartialFailed || run.Status == store.RunCompleted {
		return
	}
	_ = j.store.UpdateRunStatus(ctx, run.ID, store.RunFailed, serr.Error())
}

func (j *Jobs) prepareContext(ctx context.Context, p *pipeline.Payload) error {
	run, err := j.store.Run(ctx, p.Get(varRunID))
	if err != nil {
		return pipeline.Fail("prepare_context", pipeline.ErrStorage, err)
	}
	if err := j.store.UpdateRunStatus(ctx, run.ID, store.RunProcessing, ""); err != nil {
		return pipeline.Fail("prepare_context", pipeline.ErrStorage, err)
	}

	prepared, err := j.svc.PrepareContext(ctx, run)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("workflows/%s/context.json", run.ID)
	ptr, err := j.artifacts.PutJSON(ctx, key, prepared)
	if err != nil {
		return pipeline.Fail("prepare_context", pipeline.ErrStorage, err)
	}
	p.Set(varPreparedKey, encodePreparedPtr(ptr))
	return nil
}

func (j *Jobs) generateArtifact(ctx context.Context, p *pipeline.Payload) error {
	run, err := j.store.Run(ctx, p.Get(varRunID))
	if err != nil {
		return pipeline.Fail("generate_artifact", pipeline.ErrStorage, err)
	}

	var prepared PreparedContext
	if err := j.artifacts.GetJSON(ctx, decodePreparedPtr(p.Get(varPreparedKey)), &prepared); err != nil {
		return pipeline.Fail("generate_artifact", pipeline.ErrStorage, err)
	}

	// Mode and strategy are persisted by CompleteRun, so the reloaded run
	// needs them restored before generation.
	run.Mode = "single_doc"
	if len(run.DocumentIDs) > 1 {
		run.Mode = "multi_doc"
	}
	run.Strategy = prepared.Mode

	_, err = j.svc.GenerateArtifact(ctx, run, &prepared)
	return err
}

// Prepared-context pointers ride payload vars as JSON.
func encodePreparedPtr(p *storage.Pointer) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodePreparedPtr(s string) *storage.Pointer {
	var p storage.Pointer
	if s == "" || json.Unmarshal([]byte(s), &p) != nil {
		return &storage.Pointer{}
	}
	return &p
}
