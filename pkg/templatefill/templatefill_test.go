package templatefill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

type fakeEngine struct{ queries []string }

func (f *fakeEngine) Search(_ context.Context, u retrieval.Understanding, _ retrieval.Scope) ([]retrieval.ScoredChunk, error) {
	f.queries = append(f.queries, u.ReformulatedQuery)
	return []retrieval.ScoredChunk{{
		Chunk: &chunks.Chunk{
			ChunkID: "chunk-0001", DocumentID: "d1",
			Text: "Acme Corp reported revenue of $5M.", Kind: chunks.KindNarrative,
		},
		Score: 0.9,
	}}, nil
}

type fakeLLM struct{ result *llms.Result }

func (f *fakeLLM) CompleteJSON(context.Context, llms.Request) (*llms.Result, error) {
	if f.result == nil {
		return nil, errors.New("no scripted result")
	}
	return f.result, nil
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

func writeTemplate(t *testing.T) string {
	t.Helper()
	wb := excelize.NewFile()
	require.NoError(t, wb.SetCellValue("Sheet1", "A1", "Company Name:"))
	require.NoError(t, wb.SetCellValue("Sheet1", "A2", "Revenue"))
	require.NoError(t, wb.SetCellValue("Sheet1", "A4", "Prepared By"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B4", "analyst"))

	path := filepath.Join(t.TempDir(), "template.xlsx")
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())
	return path
}

type fixture struct {
	service *Service
	store   *store.Store
	engine  *fakeEngine
	llm     *fakeLLM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open("sqlite", filepath.Join(dir, "fill.db"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend, err := storage.NewLocalBackend(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)

	engine := &fakeEngine{}
	llm := &fakeLLM{result: &llms.Result{Parsed: map[string]interface{}{
		"mappings": []interface{}{
			map[string]interface{}{"key": "company_name", "value": "Acme Corp", "confidence": 0.9},
			map[string]interface{}{"key": "revenue", "value": "$5M", "confidence": 0.8},
		},
	}}}
	deps := &Deps{
		Store:      st,
		Artifacts:  storage.New(backend, 0),
		Engine:     engine,
		Client:     llm,
		CheapModel: "cheap",
	}

	pipeCfg := config.PipelineConfig{Concurrency: 1}
	pipeCfg.SetDefaults()
	broker := pipeline.NewMemoryBroker()
	worker := pipeline.NewWorker(pipeCfg, broker, pipeline.NewTracker(st, pipeline.NewHub()))
	worker.SetDelay(func(_ time.Duration, fn func()) { fn() })

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = broker.Close()
	})

	return &fixture{service: NewService(deps, worker), store: st, engine: engine, llm: llm}
}

func waitForRunStatus(t *testing.T, s *store.Store, runID string, want store.RunStatus) *store.TemplateFillRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.FillRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		if run.Status == store.RunFailed && want != store.RunFailed {
			t.Fatalf("run failed: %s", run.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestDetectFields(t *testing.T) {
	cells := []CellText{
		{Sheet: "Sheet1", Cell: "A1", Row: 1, Col: 1, Text: "Company Name:"},
		{Sheet: "Sheet1", Cell: "A2", Row: 2, Col: 1, Text: "Revenue"},
		{Sheet: "Sheet1", Cell: "A3", Row: 3, Col: 1, Text: "Prepared By"},
		{Sheet: "Sheet1", Cell: "B3", Row: 3, Col: 2, Text: "analyst"},
		{Sheet: "Sheet1", Cell: "A4", Row: 4, Col: 1, Text: "1234"},
		{Sheet: "Sheet1", Cell: "A5", Row: 5, Col: 1,
			Text: "This is a long paragraph of instructions that should never be treated as a field label"},
	}

	fields := DetectFields(cells)
	require.Len(t, fields, 2)

	assert.Equal(t, "company_name", fields[0].Key)
	assert.Equal(t, "B1", fields[0].ValueCell)
	assert.Equal(t, "Company Name", fields[0].Label)

	// "Prepared By" is skipped: its value cell is occupied. Numbers and
	// long paragraphs are never labels.
	assert.Equal(t, "revenue", fields[1].Key)
	assert.Equal(t, "B2", fields[1].ValueCell)
}

func TestFillRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Submit(ctx, SubmitRequest{
		UserID: "u1", OrgID: "org1",
		TemplatePath: writeTemplate(t),
		DocumentIDs:  []string{"d1"},
	})
	require.NoError(t, err)

	// Analysis parks the run for review with fields and a proposed mapping.
	run := waitForRunStatus(t, f.store, res.Run.ID, store.RunAwaitingUser)

	var fields []Field
	require.NoError(t, json.Unmarshal([]byte(run.FieldsJSON), &fields))
	require.Len(t, fields, 2)
	assert.Contains(t, f.engine.queries, "Company Name")
	assert.Contains(t, f.engine.queries, "Revenue")

	var mappings []Mapping
	require.NoError(t, json.Unmarshal([]byte(run.MappingJSON), &mappings))
	require.Len(t, mappings, 2)
	assert.Equal(t, "Acme Corp", mappings[0].Value)
	assert.Equal(t, "chunk-00", mappings[0].SourceRef)

	// The user edits one value before confirming.
	mappings[1].Value = "$6M"
	_, err = f.service.Confirm(ctx, run.ID, mappings)
	require.NoError(t, err)

	run = waitForRunStatus(t, f.store, run.ID, store.RunCompleted)
	require.False(t, run.Artifact.IsZero())

	// The stored workbook carries the confirmed values.
	raw, err := f.service.deps.Artifacts.Get(ctx, run.Artifact)
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer wb.Close()

	name, err := wb.GetCellValue("Sheet1", "B1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", name)
	revenue, err := wb.GetCellValue("Sheet1", "B2")
	require.NoError(t, err)
	assert.Equal(t, "$6M", revenue)
}

func TestConfirmRequiresReviewState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateFillRun(ctx, &store.TemplateFillRun{
		ID: "r1", UserID: "u1", OrgID: "org1", TemplatePath: "x.xlsx",
		DocumentIDs: []string{"d1"}, Status: store.RunProcessing,
	}))

	_, err := f.service.Confirm(ctx, "r1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "awaiting_user_review")
}

func TestSubmitRequiresDocuments(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Submit(context.Background(), SubmitRequest{
		UserID: "u1", OrgID: "org1", TemplatePath: "x.xlsx",
	})
	require.Error(t, err)
}

func TestAnalyzeFailurePropagatesToRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.Submit(ctx, SubmitRequest{
		UserID: "u1", OrgID: "org1",
		TemplatePath: filepath.Join(t.TempDir(), "missing.xlsx"),
		DocumentIDs:  []string{"d1"},
	})
	require.NoError(t, err)

	run := waitForRunStatus(t, f.store, res.Run.ID, store.RunFailed)
	assert.Contains(t, run.ErrorMessage, "analyze_template")
}
