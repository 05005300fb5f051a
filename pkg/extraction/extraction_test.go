package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/parsers"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

type fakeParser struct{ calls int }

func (f *fakeParser) Name() string { return "fake" }

func (f *fakeParser) Parse(_ context.Context, _ string, _ parsers.PDFType) (*parsers.Output, error) {
	f.calls++
	return &parsers.Output{
		Parser:    "fake",
		Text:      "Overview. Revenue was $5M in 2023. Margins improved to 60 percent.",
		PageCount: 3,
		Paragraphs: []parsers.Paragraph{
			{Text: "Overview", Role: parsers.RoleSectionHeading, Page: 1},
			{Text: "Revenue was $5M in 2023. Margins improved to 60 percent.", Page: 1},
		},
	}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Dimension() int { return 4 }

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

func (f fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return out, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	upserts map[string]map[string]interface{}
}

func (f *fakeVectors) Upsert(_ context.Context, id string, _ []float32, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserts == nil {
		f.upserts = map[string]map[string]interface{}{}
	}
	f.upserts[id] = metadata
	return nil
}

func (f *fakeVectors) Search(context.Context, []float32, int, databases.Filter) ([]databases.SearchResult, error) {
	return nil, nil
}

func (f *fakeVectors) DeleteByDocument(context.Context, string) error { return nil }
func (f *fakeVectors) Close() error                                   { return nil }

// fakeLLM answers summarize and extract calls by system prompt; extract
// calls can be scripted to fail first.
type fakeLLM struct {
	mu             sync.Mutex
	summarizeCalls int
	extractCalls   int
	extractErr     error
}

func (f *fakeLLM) CompleteJSON(_ context.Context, req llms.Request) (*llms.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(req.System, "Summarize") {
		f.summarizeCalls++
		return &llms.Result{
			Parsed: map[string]interface{}{
				"summary":   "Revenue was $5M in 2023; margins reached 60 percent.",
				"key_facts": []interface{}{"revenue $5M", "margin 60%"},
			},
			Usage: llms.Usage{InputTokens: 100, OutputTokens: 40, CostUSD: 0.001},
		}, nil
	}
	f.extractCalls++
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	return &llms.Result{
		Parsed: map[string]interface{}{
			"document_type": "financial report",
			"financials":    map[string]interface{}{"revenue": "$5M", "margin": "60%"},
		},
		Usage: llms.Usage{InputTokens: 200, OutputTokens: 80, CostUSD: 0.004},
	}, nil
}

func (f *fakeLLM) Complete(context.Context, llms.Request) (*llms.Result, error) {
	return nil, errors.New("not supported")
}

func (f *fakeLLM) CompleteStructured(context.Context, llms.Request, map[string]interface{}) (*llms.Result, error) {
	return nil, errors.New("not supported")
}

func (f *fakeLLM) Stream(context.Context, llms.Request) (<-chan llms.StreamEvent, error) {
	return nil, errors.New("not supported")
}

func (f *fakeLLM) Model() string { return "fake" }

type fixture struct {
	service *Service
	store   *store.Store
	vectors *fakeVectors
	parser  *fakeParser
	llm     *fakeLLM
	stop    func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open("sqlite", filepath.Join(dir, "test.db"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend, err := storage.NewLocalBackend(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	artifacts := storage.New(backend, 0)

	chunkCfg := config.ChunkingConfig{}
	chunkCfg.SetDefaults()
	chunker, err := chunks.NewSectionChunker(chunkCfg)
	require.NoError(t, err)

	factory := parsers.NewFactory()
	parser := &fakeParser{}
	factory.Register(parsers.TierBasic, parser)

	vectors := &fakeVectors{}
	llm := &fakeLLM{}
	deps := &Deps{
		Store:      st,
		Artifacts:  artifacts,
		Vectors:    vectors,
		Embedder:   fakeEmbedder{},
		Parsers:    factory,
		Chunker:    chunker,
		Client:     llm,
		Model:      "main",
		CheapModel: "cheap",
	}

	pipeCfg := config.PipelineConfig{Concurrency: 1}
	pipeCfg.SetDefaults()
	broker := pipeline.NewMemoryBroker()
	tracker := pipeline.NewTracker(st, pipeline.NewHub())
	worker := pipeline.NewWorker(pipeCfg, broker, tracker)
	worker.SetDelay(func(_ time.Duration, fn func()) { fn() })

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)
	stop := func() {
		cancel()
		_ = broker.Close()
	}
	t.Cleanup(stop)

	return &fixture{
		service: NewService(deps, worker, tracker),
		store:   st,
		vectors: vectors,
		parser:  parser,
		llm:     llm,
		stop:    stop,
	}
}

func writeUpload(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.pdf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func waitForJob(t *testing.T, s *store.Store, jobID string) *store.JobState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.JobState(context.Background(), jobID)
		require.NoError(t, err)
		switch j.Status {
		case store.RunCompleted, store.RunFailed, store.RunPartialFailed:
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

func TestIngestDocumentEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.IngestDocument(ctx, IngestRequest{
		UserID: "u1", OrgID: "org1", Filename: "report.pdf",
		FilePath: writeUpload(t, "pdf bytes"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)

	j := waitForJob(t, f.store, res.JobID)
	assert.Equal(t, store.RunCompleted, j.Status)
	assert.True(t, j.StagesDone["parse"])
	assert.True(t, j.StagesDone["embed"])

	doc, err := f.store.Document(ctx, res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocCompleted, doc.Status)
	assert.Equal(t, 3, doc.PageCount)
	assert.Equal(t, "fake", doc.Parser)
	assert.False(t, doc.ParseArtifact.IsZero())

	chunkSet, err := f.store.DocumentChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunkSet)

	// Every chunk is in the dense index with its filter payload.
	f.vectors.mu.Lock()
	defer f.vectors.mu.Unlock()
	require.Len(t, f.vectors.upserts, len(chunkSet))
	meta := f.vectors.upserts[chunkSet[0].ChunkID]
	assert.Equal(t, doc.ID, meta["document_id"])
}

func TestIngestDuplicateShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeUpload(t, "same bytes")

	first, err := f.service.IngestDocument(ctx, IngestRequest{
		UserID: "u1", OrgID: "org1", Filename: "a.pdf", FilePath: path,
	})
	require.NoError(t, err)
	waitForJob(t, f.store, first.JobID)

	second, err := f.service.IngestDocument(ctx, IngestRequest{
		UserID: "u1", OrgID: "org1", Filename: "a-again.pdf", FilePath: path,
	})
	require.NoError(t, err)
	assert.True(t, second.FromHistory)
	assert.Empty(t, second.JobID)
	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Equal(t, 1, f.parser.calls)
}

func TestExtractionEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.SubmitExtraction(ctx, ExtractRequest{
		UserID: "u1", OrgID: "org1", Filename: "deck.pdf",
		FilePath: writeUpload(t, "deck bytes"),
		Context:  "focus on financials",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)

	j := waitForJob(t, f.store, res.JobID)
	assert.Equal(t, store.RunCompleted, j.Status)
	assert.True(t, j.StagesDone["summarize"])
	assert.True(t, j.StagesDone["store_result"])

	rec, err := f.store.Extraction(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, rec.Status)
	assert.False(t, rec.Artifact.IsZero())
	assert.Equal(t, 300, rec.InputTokens)
	assert.InDelta(t, 0.005, rec.CostUSD, 1e-9)

	var facts map[string]interface{}
	raw, err := f.service.deps.Artifacts.Get(ctx, rec.Artifact)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &facts))
	assert.Equal(t, "financial report", facts["document_type"])
}

func TestExtractionDedupFromHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := writeUpload(t, "deck bytes")

	first, err := f.service.SubmitExtraction(ctx, ExtractRequest{
		UserID: "u1", OrgID: "org1", Filename: "deck.pdf", FilePath: path,
	})
	require.NoError(t, err)
	waitForJob(t, f.store, first.JobID)

	// Same content, even a different user in the org, skips the pipeline.
	second, err := f.service.SubmitExtraction(ctx, ExtractRequest{
		UserID: "u2", OrgID: "org1", Filename: "deck-copy.pdf", FilePath: path,
	})
	require.NoError(t, err)
	assert.True(t, second.FromHistory)
	assert.Empty(t, second.JobID)
	assert.Equal(t, store.RunCompleted, second.Record.Status)
	assert.False(t, second.Record.Artifact.IsZero())
	assert.Equal(t, 1, f.llm.extractCalls)
}

func TestExtractionConcurrencyGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureUser(ctx, "u1", "org1", ""))
	require.NoError(t, f.store.CreateExtraction(ctx, &store.ExtractionRecord{
		ID: "inflight", DocumentID: "d0", ContentHash: "h0", UserID: "u1", OrgID: "org1",
		Status: store.RunProcessing,
	}))

	_, err := f.service.SubmitExtraction(ctx, ExtractRequest{
		UserID: "u1", OrgID: "org1", Filename: "x.pdf",
		FilePath: writeUpload(t, "other bytes"),
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRetryResumesFromSummarize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.llm.extractErr = errors.New("overloaded")

	res, err := f.service.SubmitExtraction(ctx, ExtractRequest{
		UserID: "u1", OrgID: "org1", Filename: "deck.pdf",
		FilePath: writeUpload(t, "deck bytes"),
	})
	require.NoError(t, err)

	j := waitForJob(t, f.store, res.JobID)
	assert.Equal(t, store.RunFailed, j.Status)
	assert.Equal(t, "extract_structured", j.ErrorStage)
	assert.True(t, j.StagesDone["summarize"])

	// The failure propagated to the parent record.
	rec, err := f.store.Extraction(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, rec.Status)

	summarizeCallsBefore := f.llm.summarizeCalls
	f.llm.mu.Lock()
	f.llm.extractErr = nil
	f.llm.mu.Unlock()

	retried, err := f.service.RetryExtraction(ctx, res.Record.ID)
	require.NoError(t, err)
	j = waitForJob(t, f.store, retried.JobID)
	assert.Equal(t, store.RunCompleted, j.Status)

	// The expensive summarization stage did not re-run.
	assert.Equal(t, summarizeCallsBefore, f.llm.summarizeCalls)

	rec, err = f.store.Extraction(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, rec.Status)
}

func TestRetryRejectsNonFailedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.EnsureUser(ctx, "u1", "org1", ""))
	require.NoError(t, f.store.CreateExtraction(ctx, &store.ExtractionRecord{
		ID: "e1", DocumentID: "d1", ContentHash: "h1", UserID: "u1", OrgID: "org1",
		Status: store.RunProcessing,
	}))

	_, err := f.service.RetryExtraction(ctx, "e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only failed runs")
}
