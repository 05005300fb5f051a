package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/observability"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

// Service executes workflow runs: it backs the prepare_context and
// generate_artifact pipeline stages.
type Service struct {
	cfg       config.WorkflowConfig
	store     *store.Store
	artifacts *storage.Store
	preparer  *Preparer
	runner    *Runner
}

func NewService(cfg config.WorkflowConfig, st *store.Store, artifacts *storage.Store, preparer *Preparer, runner *Runner) *Service {
	return &Service{cfg: cfg, store: st, artifacts: artifacts, preparer: preparer, runner: runner}
}

// resolveTemplate prefers the run's frozen snapshot so runs survive
// template deletion; first execution takes the snapshot.
func (s *Service) resolveTemplate(ctx context.Context, run *store.WorkflowRun) (*Template, error) {
	if run.TemplateSnapshotJSON != "" {
		var rec store.WorkflowTemplate
		if err := json.Unmarshal([]byte(run.TemplateSnapshotJSON), &rec); err != nil {
			return nil, pipeline.Fail("prepare_context", pipeline.ErrConfiguration,
				fmt.Errorf("corrupt template snapshot on run %s: %w", run.ID, err))
		}
		return DecodeTemplate(&rec)
	}

	rec, err := s.store.Template(ctx, run.TemplateID)
	if err != nil {
		return nil, pipeline.Fail("prepare_context", pipeline.ErrConfiguration,
			fmt.Errorf("template %s: %w", run.TemplateID, err))
	}
	snapshot, err := json.Marshal(rec)
	if err == nil {
		run.TemplateSnapshotJSON = string(snapshot)
	}
	return DecodeTemplate(rec)
}

// PrepareContext runs the first workflow stage.
func (s *Service) PrepareContext(ctx context.Context, run *store.WorkflowRun) (*PreparedContext, error) {
	tpl, err := s.resolveTemplate(ctx, run)
	if err != nil {
		return nil, err
	}

	// The kit lookup happens before any retrieval so a misconfigured
	// template fails fast.
	if _, err := KitFor(tpl.Generator); err != nil {
		return nil, err
	}

	if len(run.DocumentIDs) < tpl.MinDocuments || (tpl.MaxDocuments > 0 && len(run.DocumentIDs) > tpl.MaxDocuments) {
		return nil, pipeline.Fail("prepare_context", pipeline.ErrValidation,
			fmt.Errorf("run has %d documents, template requires %d..%d",
				len(run.DocumentIDs), tpl.MinDocuments, tpl.MaxDocuments))
	}

	docs, err := s.store.Documents(ctx, run.DocumentIDs)
	if err != nil {
		return nil, pipeline.Fail("prepare_context", pipeline.ErrStorage, err)
	}
	if len(docs) != len(run.DocumentIDs) {
		return nil, pipeline.Fail("prepare_context", pipeline.ErrValidation,
			fmt.Errorf("run references missing documents (%d of %d found)", len(docs), len(run.DocumentIDs)))
	}

	prepared, err := s.preparer.Prepare(ctx, tpl, docs)
	if err != nil {
		return nil, err
	}

	run.Mode = "single_doc"
	if len(docs) > 1 {
		run.Mode = "multi_doc"
	}
	run.Strategy = prepared.Mode
	slog.Info("workflow context prepared",
		"run", run.ID, "strategy", prepared.Mode,
		"tokens", prepared.TokenEstimate, "whitelist", len(prepared.Whitelist))
	return prepared, nil
}

// GenerateArtifact runs the second workflow stage and persists the result.
func (s *Service) GenerateArtifact(ctx context.Context, run *store.WorkflowRun, prepared *PreparedContext) (*Artifact, error) {
	tpl, err := s.resolveTemplate(ctx, run)
	if err != nil {
		return nil, err
	}
	kit, err := KitFor(tpl.Generator)
	if err != nil {
		return nil, err
	}

	// The run's one latency sample: nothing upstream or downstream
	// observes this histogram.
	started := time.Now()
	defer func() {
		observability.ObserveWorkflow(tpl.Name, string(run.Status), time.Since(started))
	}()

	var vars map[string]interface{}
	if run.VariablesJSON != "" {
		if err := json.Unmarshal([]byte(run.VariablesJSON), &vars); err != nil {
			return nil, pipeline.Fail("generate_artifact", pipeline.ErrValidation,
				fmt.Errorf("corrupt run variables: %w", err))
		}
	}
	resolved, err := tpl.ResolveVariables(vars)
	if err != nil {
		return nil, pipeline.Fail("generate_artifact", pipeline.ErrValidation, err)
	}

	prompts, err := kit.Generate(resolved, run.CustomPrompt)
	if err != nil {
		return nil, pipeline.Fail("generate_artifact", pipeline.ErrPromptGeneration, err)
	}

	artifact, usage, genErr := s.runner.Generate(ctx, prompts, prepared, kit.Schema, kit.Check, len(run.DocumentIDs))

	run.InputTokens += usage.InputTokens
	run.OutputTokens += usage.OutputTokens
	run.CostUSD += usage.CostUSD

	if genErr != nil && artifact == nil {
		return nil, genErr
	}

	pointer, storeErr := s.persistArtifact(ctx, tpl, run, artifact)
	if storeErr != nil {
		return nil, pipeline.Fail("generate_artifact", pipeline.ErrStorage, storeErr)
	}

	run.Artifact = pointer
	run.Attempts = artifact.Validation.Attempts
	run.CitationsCount = artifact.Validation.CitationCount
	run.ValidationErrs = artifact.Validation.Errors
	if genErr != nil {
		// Salvaged partial: keep the artifact, surface the failure.
		run.Status = store.RunPartialFailed
		run.ErrorMessage = genErr.Error()
	} else {
		run.Status = store.RunCompleted
	}
	if err := s.store.CompleteRun(ctx, run); err != nil {
		return nil, pipeline.Fail("generate_artifact", pipeline.ErrStorage, err)
	}
	return artifact, genErr
}

func (s *Service) persistArtifact(ctx context.Context, tpl *Template, run *store.WorkflowRun, artifact *Artifact) (*storage.Pointer, error) {
	key := storage.ExportKey(tpl.Name, run.ID, "artifact.json", time.Now().UTC())
	return s.artifacts.PutJSON(ctx, key, artifact)
}
