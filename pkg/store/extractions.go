package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateExtraction inserts an extraction record. At most one non-terminal
// extraction may exist per user at a time; a second attempt returns
// ErrConflict.
func (s *Store) CreateExtraction(ctx context.Context, e *ExtractionRecord) error {
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = RunPending
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRowContext(ctx, s.rebind(`
SELECT COUNT(*) FROM extractions WHERE user_id = ? AND status IN (?, ?)`),
			e.UserID, string(RunPending), string(RunProcessing)).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to count active extractions: %w", err)
		}
		if active > 0 {
			return ErrConflict
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO extractions (id, document_id, content_hash, user_id, org_id, context_hint,
                         status, from_cache, from_history, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.DocumentID, e.ContentHash, e.UserID, e.OrgID, nullable(e.Context),
			string(e.Status), e.FromCache, e.FromHistory, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert extraction: %w", err)
		}
		return nil
	})
}

// Extraction fetches by id.
func (s *Store) Extraction(ctx context.Context, id string) (*ExtractionRecord, error) {
	row := s.queryRow(ctx, extractionSelect+` WHERE id = ?`, id)
	e, err := scanExtractionFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// CompletedExtractionByHash finds a prior successful extraction of the same
// content within the org, enabling the from_history shortcut.
func (s *Store) CompletedExtractionByHash(ctx context.Context, orgID, contentHash string) (*ExtractionRecord, error) {
	row := s.queryRow(ctx, extractionSelect+`
WHERE org_id = ? AND content_hash = ? AND status = ?
ORDER BY created_at DESC LIMIT 1`, orgID, contentHash, string(RunCompleted))
	e, err := scanExtractionFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// UpdateExtractionStatus advances the lifecycle.
func (s *Store) UpdateExtractionStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	_, err := s.exec(ctx, `
UPDATE extractions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullable(errMsg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update extraction status: %w", err)
	}
	return nil
}

// CompleteExtraction records the result artifact and usage.
func (s *Store) CompleteExtraction(ctx context.Context, e *ExtractionRecord) error {
	_, err := s.exec(ctx, `
UPDATE extractions
SET status = ?, artifact = ?, parser = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?,
    from_cache = ?, from_history = ?, error_message = ?, updated_at = ?
WHERE id = ?`,
		string(e.Status), encodePointer(e.Artifact), nullable(e.Parser),
		e.InputTokens, e.OutputTokens, e.CostUSD, e.FromCache, e.FromHistory,
		nullable(e.ErrorMessage), time.Now().UTC(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to complete extraction: %w", err)
	}
	return nil
}

// Template fill runs

// CreateFillRun inserts a template-fill run.
func (s *Store) CreateFillRun(ctx context.Context, r *TemplateFillRun) error {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if r.Status == "" {
		r.Status = RunPending
	}
	_, err := s.exec(ctx, `
INSERT INTO template_fill_runs (id, user_id, org_id, template_path, document_ids,
                                status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.OrgID, r.TemplatePath, encodeJSON(r.DocumentIDs),
		string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fill run: %w", err)
	}
	return nil
}

// FillRun fetches by id.
func (s *Store) FillRun(ctx context.Context, id string) (*TemplateFillRun, error) {
	var r TemplateFillRun
	var status string
	var fields, mapping, artifact, errMsg, docIDs sql.NullString
	err := s.queryRow(ctx, `
SELECT id, user_id, org_id, template_path, document_ids, status, fields_json,
       mapping_json, artifact, error_message, created_at, updated_at
FROM template_fill_runs WHERE id = ?`, id).Scan(
		&r.ID, &r.UserID, &r.OrgID, &r.TemplatePath, &docIDs, &status, &fields,
		&mapping, &artifact, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fill run: %w", err)
	}
	r.DocumentIDs = decodeStrings(stringOrEmpty(docIDs))
	r.Status = RunStatus(status)
	r.FieldsJSON = stringOrEmpty(fields)
	r.MappingJSON = stringOrEmpty(mapping)
	r.Artifact = decodePointer(stringOrEmpty(artifact))
	r.ErrorMessage = stringOrEmpty(errMsg)
	return &r, nil
}

// UpdateFillRun persists pipeline progress for a fill run.
func (s *Store) UpdateFillRun(ctx context.Context, r *TemplateFillRun) error {
	_, err := s.exec(ctx, `
UPDATE template_fill_runs
SET status = ?, fields_json = ?, mapping_json = ?, artifact = ?, error_message = ?, updated_at = ?
WHERE id = ?`,
		string(r.Status), nullable(r.FieldsJSON), nullable(r.MappingJSON),
		encodePointer(r.Artifact), nullable(r.ErrorMessage), time.Now().UTC(), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update fill run: %w", err)
	}
	return nil
}

const extractionSelect = `
SELECT id, document_id, content_hash, user_id, org_id, context_hint, status, artifact,
       parser, input_tokens, output_tokens, cost_usd, from_cache, from_history,
       error_message, created_at, updated_at
FROM extractions`

func scanExtractionFrom(r rowScanner) (*ExtractionRecord, error) {
	var e ExtractionRecord
	var status string
	var hint, artifact, parser, errMsg sql.NullString
	if err := r.Scan(&e.ID, &e.DocumentID, &e.ContentHash, &e.UserID, &e.OrgID, &hint,
		&status, &artifact, &parser, &e.InputTokens, &e.OutputTokens, &e.CostUSD,
		&e.FromCache, &e.FromHistory, &errMsg, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Context = stringOrEmpty(hint)
	e.Status = RunStatus(status)
	e.Artifact = decodePointer(stringOrEmpty(artifact))
	e.Parser = stringOrEmpty(parser)
	e.ErrorMessage = stringOrEmpty(errMsg)
	return &e, nil
}
