package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateTemplate inserts a workflow template version.
func (s *Store) CreateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	t.CreatedAt = time.Now().UTC()
	if t.Version == 0 {
		t.Version = 1
	}
	_, err := s.exec(ctx, `
INSERT INTO workflows (id, name, domain, version, active, variables_json, retrieval_json,
                       generator, min_documents, max_documents, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, nullable(t.Domain), t.Version, t.Active,
		nullable(t.VariablesJSON), nullable(t.RetrievalJSON), t.Generator,
		t.MinDocuments, t.MaxDocuments, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow template: %w", err)
	}
	return nil
}

// Template fetches a template by id.
func (s *Store) Template(ctx context.Context, id string) (*WorkflowTemplate, error) {
	return s.scanTemplate(s.queryRow(ctx, templateSelect+` WHERE id = ?`, id))
}

// ActiveTemplates lists active templates, newest version first per name.
func (s *Store) ActiveTemplates(ctx context.Context) ([]*WorkflowTemplate, error) {
	rows, err := s.query(ctx, templateSelect+` WHERE active = ? ORDER BY name, version DESC`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplateFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateRun inserts a workflow run in pending state.
func (s *Store) CreateRun(ctx context.Context, r *WorkflowRun) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = RunPending
	}
	_, err := s.exec(ctx, `
INSERT INTO workflow_runs (id, template_id, user_id, org_id, template_snapshot_json,
                           document_ids, variables_json, custom_prompt, mode, strategy,
                           status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TemplateID, r.UserID, r.OrgID, nullable(r.TemplateSnapshotJSON),
		encodeJSON(r.DocumentIDs), nullable(r.VariablesJSON), nullable(r.CustomPrompt),
		nullable(r.Mode), nullable(r.Strategy), string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert workflow run: %w", err)
	}
	return nil
}

// Run fetches a workflow run.
func (s *Store) Run(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.queryRow(ctx, runSelect+` WHERE id = ?`, id)
	r, err := scanRunFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// UpdateRunStatus advances a run's lifecycle.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	now := time.Now().UTC()
	var completed interface{}
	if status == RunCompleted || status == RunFailed || status == RunPartialFailed {
		completed = now
	}
	_, err := s.exec(ctx, `
UPDATE workflow_runs SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
WHERE id = ?`,
		string(status), nullable(errMsg), now, completed, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// CompleteRun records the artifact, usage, and validation outcome.
func (s *Store) CompleteRun(ctx context.Context, r *WorkflowRun) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
UPDATE workflow_runs
SET status = ?, mode = ?, strategy = ?, artifact = ?, input_tokens = ?, output_tokens = ?,
    cost_usd = ?, citations_count = ?, validation_errors = ?, attempts = ?,
    error_message = ?, updated_at = ?, completed_at = ?
WHERE id = ?`,
		string(r.Status), nullable(r.Mode), nullable(r.Strategy), encodePointer(r.Artifact),
		r.InputTokens, r.OutputTokens, r.CostUSD, r.CitationsCount,
		nullable(encodeJSON(r.ValidationErrs)), r.Attempts,
		nullable(r.ErrorMessage), now, now, r.ID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

const templateSelect = `
SELECT id, name, domain, version, active, variables_json, retrieval_json,
       generator, min_documents, max_documents, created_at
FROM workflows`

const runSelect = `
SELECT id, template_id, user_id, org_id, template_snapshot_json, document_ids,
       variables_json, custom_prompt, mode, strategy, status, artifact,
       input_tokens, output_tokens, cost_usd, citations_count, validation_errors,
       attempts, error_message, created_at, updated_at, completed_at
FROM workflow_runs`

func (s *Store) scanTemplate(row *sql.Row) (*WorkflowTemplate, error) {
	t, err := scanTemplateFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTemplateFrom(r rowScanner) (*WorkflowTemplate, error) {
	var t WorkflowTemplate
	var domain, variables, retrieval sql.NullString
	if err := r.Scan(&t.ID, &t.Name, &domain, &t.Version, &t.Active,
		&variables, &retrieval, &t.Generator, &t.MinDocuments, &t.MaxDocuments,
		&t.CreatedAt); err != nil {
		return nil, err
	}
	t.Domain = stringOrEmpty(domain)
	t.VariablesJSON = stringOrEmpty(variables)
	t.RetrievalJSON = stringOrEmpty(retrieval)
	return &t, nil
}

func scanRunFrom(r rowScanner) (*WorkflowRun, error) {
	var run WorkflowRun
	var status string
	var snapshot, docIDs, variables, prompt, mode, strategy, artifact, validation, errMsg sql.NullString
	var completed sql.NullTime
	if err := r.Scan(&run.ID, &run.TemplateID, &run.UserID, &run.OrgID, &snapshot, &docIDs,
		&variables, &prompt, &mode, &strategy, &status, &artifact,
		&run.InputTokens, &run.OutputTokens, &run.CostUSD, &run.CitationsCount, &validation,
		&run.Attempts, &errMsg, &run.CreatedAt, &run.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	run.TemplateSnapshotJSON = stringOrEmpty(snapshot)
	run.DocumentIDs = decodeStrings(stringOrEmpty(docIDs))
	run.VariablesJSON = stringOrEmpty(variables)
	run.CustomPrompt = stringOrEmpty(prompt)
	run.Mode = stringOrEmpty(mode)
	run.Strategy = stringOrEmpty(strategy)
	run.Status = RunStatus(status)
	run.Artifact = decodePointer(stringOrEmpty(artifact))
	run.ValidationErrs = decodeStrings(stringOrEmpty(validation))
	run.ErrorMessage = stringOrEmpty(errMsg)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}
