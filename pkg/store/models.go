// Package store persists platform records in a relational database.
// It supports sqlite (dev, tests) and postgres (production) dialects.
package store

import (
	"time"

	"github.com/docquarry/quarry/pkg/storage"
)

// DocumentStatus transitions monotonically through ingestion.
type DocumentStatus string

const (
	DocUploaded  DocumentStatus = "uploaded"
	DocParsing   DocumentStatus = "parsing"
	DocChunking  DocumentStatus = "chunking"
	DocEmbedding DocumentStatus = "embedding"
	DocCompleted DocumentStatus = "completed"
	DocFailed    DocumentStatus = "failed"
)

// RunStatus is shared by extractions, workflow runs, and fill runs.
type RunStatus string

const (
	RunPending       RunStatus = "pending"
	RunProcessing    RunStatus = "processing"
	RunAwaitingUser  RunStatus = "awaiting_user_review"
	RunCompleted     RunStatus = "completed"
	RunFailed        RunStatus = "failed"
	RunPartialFailed RunStatus = "partial_failed"
)

// Document is an uploaded file.
type Document struct {
	ID            string
	UserID        string
	OrgID         string
	Filename      string
	ContentHash   string // SHA-256 of bytes
	ByteSize      int64
	PageCount     int
	Status        DocumentStatus
	Parser        string
	ParseArtifact *storage.Pointer
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Collection is a named set of documents scoping retrieval.
type Collection struct {
	ID        string
	UserID    string
	OrgID     string
	Name      string
	CreatedAt time.Time
}

// ChatSession is a conversational context with a cached summary.
type ChatSession struct {
	ID           string
	UserID       string
	OrgID        string
	CollectionID string // optional
	DocumentIDs  []string
	MessageCount int

	// Summary cache: recomputed when verbatim messages exceed the
	// configured threshold. Stale reads are acceptable (last-writer-wins).
	Summary             string
	SummaryKeyFacts     []string
	LastSummarizedIndex int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is an append-only log entry. Never mutated after write.
type ChatMessage struct {
	ID             string
	SessionID      string
	Role           string // "user" | "assistant"
	Content        string
	SourceChunkIDs []string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64

	// ComparisonJSON holds the comparison_context payload for comparison
	// answers; CitationsJSON holds the UI citation list.
	ComparisonJSON string
	CitationsJSON  string

	Sequence  int
	CreatedAt time.Time
}

// WorkflowTemplate is a versioned, typed job definition. Immutable per
// version; a new version supersedes prior.
type WorkflowTemplate struct {
	ID      string
	Name    string
	Domain  string
	Version int
	Active  bool

	// VariablesJSON declares typed variables with defaults/constraints.
	// RetrievalJSON is the ordered section spec list.
	// The prompt generator is looked up by Generator key in the registry.
	VariablesJSON string
	RetrievalJSON string
	Generator     string

	MinDocuments int
	MaxDocuments int

	CreatedAt time.Time
}

// WorkflowRun is one execution of a template.
type WorkflowRun struct {
	ID         string
	TemplateID string
	UserID     string
	OrgID      string

	// TemplateSnapshotJSON freezes the template so runs survive template
	// deletion.
	TemplateSnapshotJSON string

	DocumentIDs   []string
	VariablesJSON string
	CustomPrompt  string

	Mode     string // "single_doc" | "multi_doc"
	Strategy string // "direct" | "map_reduce"
	Status   RunStatus

	Artifact       *storage.Pointer
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	CitationsCount int
	ValidationErrs []string
	Attempts       int

	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// ExtractionRecord is a one-shot structured extraction over one document.
type ExtractionRecord struct {
	ID          string
	DocumentID  string
	ContentHash string
	UserID      string
	OrgID       string
	Context     string // optional user hint
	Status      RunStatus

	Artifact     *storage.Pointer
	Parser       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64

	FromCache    bool
	FromHistory  bool
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TemplateFillRun executes the excel template-fill pipeline.
type TemplateFillRun struct {
	ID           string
	UserID       string
	OrgID        string
	TemplatePath string
	DocumentIDs  []string
	Status       RunStatus

	FieldsJSON   string // detected fields
	MappingJSON  string // auto-mapped (and user-reviewed) values
	Artifact     *storage.Pointer
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobState tracks progress for exactly one parent entity. The schema
// enforces the exclusivity with a check constraint.
type JobState struct {
	JobID string

	ExtractionID   string
	DocumentID     string
	WorkflowRunID  string
	TemplateFillID string

	Status       RunStatus
	CurrentStage string
	Progress     int // percent
	Message      string

	// Per-stage completion flags.
	StagesDone map[string]bool

	// Intermediate artifact keys by stage name.
	Intermediates map[string]string

	ErrorStage     string
	ErrorMessage   string
	ErrorType      string
	ErrorRetryable bool

	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ParentID returns the single non-empty parent id.
func (j *JobState) ParentID() string {
	for _, id := range []string{j.ExtractionID, j.DocumentID, j.WorkflowRunID, j.TemplateFillID} {
		if id != "" {
			return id
		}
	}
	return ""
}
