package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateJobState inserts a tracker row. Exactly one parent id must be set;
// the database check constraint backs this up.
func (s *Store) CreateJobState(ctx context.Context, j *JobState) error {
	parents := 0
	for _, id := range []string{j.ExtractionID, j.DocumentID, j.WorkflowRunID, j.TemplateFillID} {
		if id != "" {
			parents++
		}
	}
	if parents != 1 {
		return errors.New("job state requires exactly one parent id")
	}

	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Status == "" {
		j.Status = RunPending
	}
	if j.StagesDone == nil {
		j.StagesDone = map[string]bool{}
	}
	if j.Intermediates == nil {
		j.Intermediates = map[string]string{}
	}

	_, err := s.exec(ctx, `
INSERT INTO job_states (job_id, extraction_id, document_id, workflow_run_id, template_fill_id,
                        status, current_stage, progress, message, stages_done, intermediates,
                        attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, nullable(j.ExtractionID), nullable(j.DocumentID),
		nullable(j.WorkflowRunID), nullable(j.TemplateFillID),
		string(j.Status), nullable(j.CurrentStage), j.Progress, nullable(j.Message),
		encodeJSON(j.StagesDone), encodeJSON(j.Intermediates), j.Attempts,
		j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job state: %w", err)
	}
	return nil
}

// JobState fetches a tracker row.
func (s *Store) JobState(ctx context.Context, jobID string) (*JobState, error) {
	var j JobState
	var status string
	var extraction, document, run, fill, stage, message sql.NullString
	var stagesDone, intermediates, errStage, errMsg, errType sql.NullString
	err := s.queryRow(ctx, `
SELECT job_id, extraction_id, document_id, workflow_run_id, template_fill_id,
       status, current_stage, progress, message, stages_done, intermediates,
       error_stage, error_message, error_type, error_retryable, attempts,
       created_at, updated_at
FROM job_states WHERE job_id = ?`, jobID).Scan(
		&j.JobID, &extraction, &document, &run, &fill,
		&status, &stage, &j.Progress, &message, &stagesDone, &intermediates,
		&errStage, &errMsg, &errType, &j.ErrorRetryable, &j.Attempts,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job state: %w", err)
	}
	j.ExtractionID = stringOrEmpty(extraction)
	j.DocumentID = stringOrEmpty(document)
	j.WorkflowRunID = stringOrEmpty(run)
	j.TemplateFillID = stringOrEmpty(fill)
	j.Status = RunStatus(status)
	j.CurrentStage = stringOrEmpty(stage)
	j.Message = stringOrEmpty(message)
	j.StagesDone = decodeBoolMap(stringOrEmpty(stagesDone))
	j.Intermediates = decodeStringMap(stringOrEmpty(intermediates))
	j.ErrorStage = stringOrEmpty(errStage)
	j.ErrorMessage = stringOrEmpty(errMsg)
	j.ErrorType = stringOrEmpty(errType)
	return &j, nil
}

// UpdateJobProgress records the current stage and percent complete.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID, stage string, progress int, message string) error {
	_, err := s.exec(ctx, `
UPDATE job_states SET status = ?, current_stage = ?, progress = ?, message = ?, updated_at = ?
WHERE job_id = ?`,
		string(RunProcessing), stage, progress, nullable(message), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// MarkStageDone flags a stage complete, optionally recording where its
// intermediate artifact lives so a retry can resume past it.
func (s *Store) MarkStageDone(ctx context.Context, jobID, stage, intermediateKey string) error {
	j, err := s.JobState(ctx, jobID)
	if err != nil {
		return err
	}
	j.StagesDone[stage] = true
	if intermediateKey != "" {
		j.Intermediates[stage] = intermediateKey
	}
	_, err = s.exec(ctx, `
UPDATE job_states SET stages_done = ?, intermediates = ?, updated_at = ? WHERE job_id = ?`,
		encodeJSON(j.StagesDone), encodeJSON(j.Intermediates), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark stage done: %w", err)
	}
	return nil
}

// FailJob records a terminal or retryable failure at a stage.
func (s *Store) FailJob(ctx context.Context, jobID, stage, errType, errMsg string, retryable bool) error {
	_, err := s.exec(ctx, `
UPDATE job_states
SET status = ?, error_stage = ?, error_type = ?, error_message = ?, error_retryable = ?, updated_at = ?
WHERE job_id = ?`,
		string(RunFailed), stage, errType, errMsg, retryable, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	return nil
}

// CompleteJob marks the tracker finished.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.exec(ctx, `
UPDATE job_states SET status = ?, progress = 100, updated_at = ? WHERE job_id = ?`,
		string(RunCompleted), time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// ResetJobForRetry clears error fields and bumps the attempt counter.
// Completed-stage flags survive so the pipeline resumes, not restarts.
func (s *Store) ResetJobForRetry(ctx context.Context, jobID string) (*JobState, error) {
	_, err := s.exec(ctx, `
UPDATE job_states
SET status = ?, error_stage = NULL, error_message = NULL, error_type = NULL,
    error_retryable = ?, attempts = attempts + 1, updated_at = ?
WHERE job_id = ?`,
		string(RunPending), false, time.Now().UTC(), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to reset job for retry: %w", err)
	}
	return s.JobState(ctx, jobID)
}
