package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/chat"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/extraction"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
	"github.com/docquarry/quarry/pkg/templatefill"
	"github.com/docquarry/quarry/pkg/workflow"
)

type fakeVectors struct{}

func (fakeVectors) Upsert(context.Context, string, []float32, map[string]interface{}) error {
	return nil
}

func (fakeVectors) Search(context.Context, []float32, int, databases.Filter) ([]databases.SearchResult, error) {
	return nil, nil
}

func (fakeVectors) DeleteByDocument(context.Context, string) error { return nil }
func (fakeVectors) Close() error                                   { return nil }

type fakeLLM struct{}

func (fakeLLM) Complete(context.Context, llms.Request) (*llms.Result, error) {
	return nil, errors.New("not scripted")
}

func (fakeLLM) CompleteJSON(context.Context, llms.Request) (*llms.Result, error) {
	return nil, errors.New("not scripted")
}

func (fakeLLM) CompleteStructured(context.Context, llms.Request, map[string]interface{}) (*llms.Result, error) {
	return nil, errors.New("not scripted")
}

func (fakeLLM) Stream(context.Context, llms.Request) (<-chan llms.StreamEvent, error) {
	return nil, errors.New("not scripted")
}

func (fakeLLM) Model() string { return "fake" }

type fakeEngine struct{}

func (fakeEngine) Search(context.Context, retrieval.Understanding, retrieval.Scope) ([]retrieval.ScoredChunk, error) {
	return nil, nil
}

type fakeScorer struct{}

func (fakeScorer) ScorePairs(_ context.Context, pairs [][2]string) ([]float64, error) {
	return make([]float64, len(pairs)), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *pipeline.Tracker, *storage.Store) {
	t.Helper()

	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "test.db"), 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	backend, err := storage.NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	artifacts := storage.New(backend, 16<<10)

	var pipeCfg config.PipelineConfig
	pipeCfg.SetDefaults()
	broker := pipeline.NewMemoryBroker()
	t.Cleanup(func() { _ = broker.Close() })
	tracker := pipeline.NewTracker(st, pipeline.NewHub())
	worker := pipeline.NewWorker(pipeCfg, broker, tracker)

	extractions := extraction.NewService(&extraction.Deps{
		Store:     st,
		Artifacts: artifacts,
		Vectors:   fakeVectors{},
		Client:    fakeLLM{},
	}, worker, tracker)

	var wfCfg config.WorkflowConfig
	wfCfg.SetDefaults()
	var llmCfg config.LLMConfig
	llmCfg.APIKey = "test"
	llmCfg.SetDefaults()
	preparer := workflow.NewPreparer(wfCfg, fakeEngine{}, nil)
	runner := workflow.NewRunner(wfCfg, llmCfg, fakeLLM{})
	workflows := workflow.NewJobs(
		workflow.NewService(wfCfg, st, artifacts, preparer, runner), st, artifacts, worker)

	fills := templatefill.NewService(&templatefill.Deps{
		Store:     st,
		Artifacts: artifacts,
		Engine:    fakeEngine{},
		Client:    fakeLLM{},
	}, worker)

	var chatCfg config.ChatConfig
	chatCfg.SetDefaults()
	chatSvc := chat.New(chatCfg, llmCfg, st, fakeLLM{}, fakeEngine{}, fakeScorer{}, nil)

	var srvCfg config.ServerConfig
	srvCfg.SetDefaults()
	srv, err := New(srvCfg, Deps{
		Store:       st,
		Vectors:     fakeVectors{},
		Artifacts:   artifacts,
		Extractions: extractions,
		Workflows:   workflows,
		Fills:       fills,
		Chat:        chatSvc,
		Tracker:     tracker,
		UploadDir:   t.TempDir(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, tracker, artifacts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// readSSE consumes the stream line by line until a line containing the
// marker appears, then disconnects. A scan deadline keeps a broken stream
// from hanging the test.
func readSSE(t *testing.T, url, marker string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var b strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		b.WriteString(line)
		b.WriteString("\n")
		if strings.Contains(line, marker) {
			break
		}
	}
	return b.String()
}

func postSSE(t *testing.T, url string, body interface{}, marker string) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var b strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		b.WriteString(line)
		b.WriteString("\n")
		if strings.Contains(line, marker) {
			break
		}
	}
	return b.String()
}

func TestHealthz(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestCollectionLifecycle(t *testing.T) {
	ts, st, _, _ := newTestServer(t)
	ctx := context.Background()

	doc := &store.Document{ID: "d1", UserID: "local", OrgID: "local",
		Filename: "deal.pdf", ContentHash: "h1", ByteSize: 10}
	_, err := st.CreateDocument(ctx, doc)
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/v1/collections", map[string]string{"name": "deals"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created store.Collection
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = postJSON(t, ts.URL+"/v1/collections/"+created.ID+"/documents/d1", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ids, err := st.CollectionDocumentIDs(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, ids)
}

func TestCollectionNameRequired(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/collections", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "invalid_body", body["error"])
}

func TestEmptyChatMessageRejected(t *testing.T) {
	ts, st, _, _ := newTestServer(t)

	session := &store.ChatSession{ID: "s1", UserID: "local", OrgID: "local"}
	require.NoError(t, st.EnsureUser(context.Background(), "local", "local", ""))
	require.NoError(t, st.CreateSession(context.Background(), session))

	resp := postJSON(t, ts.URL+"/v1/sessions/s1/messages", map[string]string{"message": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "empty_message", body["error"])
	assert.Equal(t, "User message cannot be empty", body["message"])
}

func TestLowSignalChatStreams(t *testing.T) {
	ts, st, _, _ := newTestServer(t)
	ctx := context.Background()

	resp := postJSON(t, ts.URL+"/v1/sessions", map[string]interface{}{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session store.ChatSession
	decodeBody(t, resp, &session)

	// "ok" short-circuits: canned text streamed, no retrieval, no LLM.
	raw := postSSE(t, ts.URL+"/v1/sessions/"+session.ID+"/messages",
		map[string]string{"message": "ok"}, "end")
	assert.Contains(t, raw, "text")
	assert.Contains(t, raw, "Understood")
	assert.Contains(t, raw, "end")

	messages, err := st.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "ok", messages[0].Content)
	assert.Equal(t, "assistant", messages[1].Role)
	assert.Empty(t, messages[1].SourceChunkIDs)
}

func TestJobEventsReplayTerminalSnapshot(t *testing.T) {
	ts, st, tracker, _ := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureUser(ctx, "local", "local", ""))
	rec := &store.ExtractionRecord{ID: "e1", UserID: "local", OrgID: "local", ContentHash: "h1"}
	require.NoError(t, st.CreateExtraction(ctx, rec))
	require.NoError(t, st.CreateJobState(ctx, &store.JobState{JobID: "e1", ExtractionID: "e1"}))
	tracker.Complete(ctx, "e1")

	// A subscriber connecting after the job finished still gets the
	// terminal events, then end.
	raw := readSSE(t, ts.URL+"/v1/jobs/e1/events", "end")
	assert.Contains(t, raw, "complete")
	assert.Contains(t, raw, "end")
}

func TestJobEventsUnknownJob(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/jobs/nope/events")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "not_found", body["error"])
}

func TestSubmitRunUnknownTemplate(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/workflow-runs", map[string]interface{}{
		"template_id":  "missing",
		"document_ids": []string{"d1"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "not_found", body["error"])
}

func TestGetDocumentNotFound(t *testing.T) {
	ts, _, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/documents/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteDocumentRemovesParseArtifact(t *testing.T) {
	ts, st, _, artifacts := newTestServer(t)
	ctx := context.Background()

	doc := &store.Document{ID: "d1", UserID: "local", OrgID: "local",
		Filename: "deal.pdf", ContentHash: "h1", ByteSize: 10}
	_, err := st.CreateDocument(ctx, doc)
	require.NoError(t, err)

	// A backend-resident artifact, as the parse stage leaves behind.
	ptr, err := artifacts.Put(ctx, "parsed/d1.json", []byte("parsed output"), "application/octet-stream")
	require.NoError(t, err)
	require.False(t, ptr.IsInline())
	require.NoError(t, st.UpdateDocumentParse(ctx, "d1", "native", 3, ptr))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/documents/d1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = st.Document(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = artifacts.Get(ctx, ptr)
	assert.Error(t, err)
}
