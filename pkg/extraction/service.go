package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

// Service accepts ingestion and extraction submissions, applies the dedup
// shortcuts, and enqueues pipeline chains.
type Service struct {
	deps    *Deps
	worker  *pipeline.Worker
	tracker *pipeline.Tracker
}

func NewService(deps *Deps, worker *pipeline.Worker, tracker *pipeline.Tracker) *Service {
	worker.Register(IngestChain(deps))
	worker.Register(ExtractChain(deps))
	return &Service{deps: deps, worker: worker, tracker: tracker}
}

// IngestRequest describes an uploaded file to index.
type IngestRequest struct {
	UserID   string
	OrgID    string
	Filename string
	FilePath string
	Tier     string
	PDFType  string
}

// IngestResult reports the document and, for fresh uploads, the job
// driving its ingestion.
type IngestResult struct {
	Document    *store.Document `json:"document"`
	JobID       string          `json:"job_id,omitempty"`
	FromHistory bool            `json:"from_history,omitempty"`
}

// IngestDocument registers an upload and enqueues parse -> chunk -> embed.
// A duplicate by content hash within the org returns the existing document
// without enqueueing anything.
func (s *Service) IngestDocument(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	hash, size, err := hashFile(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash upload: %w", err)
	}
	if err := s.deps.Store.EnsureUser(ctx, req.UserID, req.OrgID, ""); err != nil {
		return nil, err
	}

	doc := &store.Document{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Filename:    req.Filename,
		ContentHash: hash,
		ByteSize:    size,
	}
	created, err := s.deps.Store.CreateDocument(ctx, doc)
	if errors.Is(err, store.ErrDuplicate) {
		return &IngestResult{Document: created, FromHistory: true}, nil
	}
	if err != nil {
		return nil, err
	}

	jobID := created.ID
	if err := s.deps.Store.CreateJobState(ctx, &store.JobState{JobID: jobID, DocumentID: created.ID}); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: jobID, ParentID: created.ID}
	payload.Set(varDocumentID, created.ID)
	payload.Set(varFilePath, req.FilePath)
	payload.Set(varTier, req.Tier)
	payload.Set(varPDFType, req.PDFType)
	if err := s.worker.Start(ctx, ChainIngest, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue ingestion: %w", err)
	}

	slog.Info("ingestion enqueued", "document", created.ID, "job", jobID, "filename", req.Filename)
	return &IngestResult{Document: created, JobID: jobID}, nil
}

// ExtractRequest describes a one-shot structured extraction.
type ExtractRequest struct {
	UserID   string
	OrgID    string
	Filename string
	FilePath string
	Context  string // optional user hint
	Tier     string
	PDFType  string
}

// ExtractResult reports the record and how it was satisfied.
type ExtractResult struct {
	Record      *store.ExtractionRecord `json:"record"`
	JobID       string                  `json:"job_id,omitempty"`
	FromHistory bool                    `json:"from_history,omitempty"`
	FromCache   bool                    `json:"from_cache,omitempty"`
}

// SubmitExtraction runs the dedup shortcuts before enqueueing the chain:
// a completed extraction of identical content within the org is returned
// as from_history; a fresh cache entry as from_cache. The one-active-per-
// user guard surfaces as store.ErrConflict.
func (s *Service) SubmitExtraction(ctx context.Context, req ExtractRequest) (*ExtractResult, error) {
	hash, size, err := hashFile(req.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash upload: %w", err)
	}
	if err := s.deps.Store.EnsureUser(ctx, req.UserID, req.OrgID, ""); err != nil {
		return nil, err
	}

	if prior, err := s.deps.Store.CompletedExtractionByHash(ctx, req.OrgID, hash); err == nil {
		rec, err := s.recordShortcut(ctx, req, hash, prior.Artifact, true, false)
		if err != nil {
			return nil, err
		}
		slog.Info("extraction satisfied from history", "extraction", rec.ID, "prior", prior.ID)
		return &ExtractResult{Record: rec, FromHistory: true}, nil
	}

	if cached, err := s.deps.Store.CacheGet(ctx, cacheKey(req.OrgID, hash)); err == nil {
		ptr := &storage.Pointer{Inline: []byte(cached), ContentType: "application/json"}
		rec, err := s.recordShortcut(ctx, req, hash, ptr, false, true)
		if err != nil {
			return nil, err
		}
		slog.Info("extraction satisfied from cache", "extraction", rec.ID)
		return &ExtractResult{Record: rec, FromCache: true}, nil
	}

	doc, err := s.ensureDocument(ctx, req, hash, size)
	if err != nil {
		return nil, err
	}

	rec := &store.ExtractionRecord{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ContentHash: hash,
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Context:     req.Context,
	}
	if err := s.deps.Store.CreateExtraction(ctx, rec); err != nil {
		return nil, err
	}

	jobID := rec.ID
	if err := s.deps.Store.CreateJobState(ctx, &store.JobState{JobID: jobID, ExtractionID: rec.ID}); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: jobID, ParentID: rec.ID}
	payload.Set(varDocumentID, doc.ID)
	payload.Set(varExtractionID, rec.ID)
	payload.Set(varFilePath, req.FilePath)
	payload.Set(varTier, req.Tier)
	payload.Set(varPDFType, req.PDFType)
	if err := s.worker.Start(ctx, ChainExtract, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue extraction: %w", err)
	}

	slog.Info("extraction enqueued", "extraction", rec.ID, "document", doc.ID)
	return &ExtractResult{Record: rec, JobID: jobID}, nil
}

// RetryExtraction re-enqueues a failed extraction from its first
// incomplete stage, reusing persisted intermediates.
func (s *Service) RetryExtraction(ctx context.Context, extractionID string) (*ExtractResult, error) {
	rec, err := s.deps.Store.Extraction(ctx, extractionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.RunFailed {
		return nil, fmt.Errorf("extraction %s is %s, only failed runs can be retried", rec.ID, rec.Status)
	}

	jobID := rec.ID
	j, err := s.deps.Store.ResetJobForRetry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Store.UpdateExtractionStatus(ctx, rec.ID, store.RunProcessing, ""); err != nil {
		return nil, err
	}

	payload := &pipeline.Payload{JobID: jobID, ParentID: rec.ID}
	payload.Set(varDocumentID, rec.DocumentID)
	payload.Set(varExtractionID, rec.ID)
	for stage, key := range j.Intermediates {
		payload.Set("intermediate:"+stage, key)
	}
	if err := s.worker.Resume(ctx, ChainExtract, payload); err != nil {
		return nil, fmt.Errorf("failed to re-enqueue extraction: %w", err)
	}

	slog.Info("extraction retry enqueued", "extraction", rec.ID, "attempts", j.Attempts)
	return &ExtractResult{Record: rec, JobID: jobID}, nil
}

// recordShortcut writes a completed record for a history or cache hit.
func (s *Service) recordShortcut(ctx context.Context, req ExtractRequest, hash string, artifact *storage.Pointer, fromHistory, fromCache bool) (*store.ExtractionRecord, error) {
	rec := &store.ExtractionRecord{
		ID:          uuid.NewString(),
		ContentHash: hash,
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Context:     req.Context,
		Status:      store.RunCompleted,
		Artifact:    artifact,
		FromHistory: fromHistory,
		FromCache:   fromCache,
	}
	if doc, err := s.deps.Store.DocumentByHash(ctx, req.OrgID, hash); err == nil {
		rec.DocumentID = doc.ID
	}
	if err := s.deps.Store.CreateExtraction(ctx, rec); err != nil {
		return nil, err
	}
	if err := s.deps.Store.CompleteExtraction(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) ensureDocument(ctx context.Context, req ExtractRequest, hash string, size int64) (*store.Document, error) {
	doc := &store.Document{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		OrgID:       req.OrgID,
		Filename:    req.Filename,
		ContentHash: hash,
		ByteSize:    size,
	}
	created, err := s.deps.Store.CreateDocument(ctx, doc)
	if errors.Is(err, store.ErrDuplicate) {
		return created, nil
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
