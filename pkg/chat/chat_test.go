package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/store"
)

func chatConfig() config.ChatConfig {
	cfg := config.ChatConfig{}
	cfg.SetDefaults()
	return cfg
}

func mkChunk(id, docID, text string) *chunks.Chunk {
	return &chunks.Chunk{
		ChunkID:    id,
		DocumentID: docID,
		Text:       text,
		Kind:       chunks.KindNarrative,
		Page:       1,
	}
}

func scoredList(cs ...*chunks.Chunk) []retrieval.ScoredChunk {
	out := make([]retrieval.ScoredChunk, len(cs))
	for i, c := range cs {
		out[i] = retrieval.ScoredChunk{Chunk: c, Score: 1.0 - float64(i)*0.1}
	}
	return out
}

type fakeEngine struct {
	perDoc  map[string][]retrieval.ScoredChunk
	results []retrieval.ScoredChunk
	err     error
}

func (f *fakeEngine) Search(_ context.Context, _ retrieval.Understanding, scope retrieval.Scope) ([]retrieval.ScoredChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(scope.DocumentIDs) == 1 {
		if got, ok := f.perDoc[scope.DocumentIDs[0]]; ok {
			return got, nil
		}
	}
	return f.results, nil
}

type fakeScorer struct {
	scores []float64
	err    error
	calls  int
	pairs  [][2]string
}

func (f *fakeScorer) ScorePairs(_ context.Context, pairs [][2]string) ([]float64, error) {
	f.calls++
	f.pairs = pairs
	if f.err != nil {
		return nil, f.err
	}
	if len(f.scores) >= len(pairs) {
		return f.scores[:len(pairs)], nil
	}
	out := make([]float64, len(pairs))
	copy(out, f.scores)
	return out, nil
}

type fakeLLM struct {
	jsonResult  *llms.Result
	streamText  []string
	streamUsage llms.Usage
	streamErr   error
	streamCalls int
	jsonCalls   int
}

func (f *fakeLLM) Complete(context.Context, llms.Request) (*llms.Result, error) {
	return nil, errors.New("not supported")
}

func (f *fakeLLM) CompleteJSON(context.Context, llms.Request) (*llms.Result, error) {
	f.jsonCalls++
	if f.jsonResult == nil {
		return nil, errors.New("no scripted result")
	}
	return f.jsonResult, nil
}

func (f *fakeLLM) CompleteStructured(context.Context, llms.Request, map[string]interface{}) (*llms.Result, error) {
	return nil, errors.New("not supported")
}

func (f *fakeLLM) Stream(context.Context, llms.Request) (<-chan llms.StreamEvent, error) {
	f.streamCalls++
	ch := make(chan llms.StreamEvent, len(f.streamText)+2)
	for _, t := range f.streamText {
		ch <- llms.StreamEvent{Type: llms.StreamText, Text: t}
	}
	if f.streamErr != nil {
		ch <- llms.StreamEvent{Type: llms.StreamError, Err: f.streamErr}
	} else {
		u := f.streamUsage
		ch <- llms.StreamEvent{Type: llms.StreamUsage, Usage: &u}
	}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) Model() string { return "fake" }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	s, err := store.Open("sqlite", dsn, 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *store.Store, sessionID string, filenames ...string) *store.ChatSession {
	t.Helper()
	ctx := context.Background()
	session := &store.ChatSession{ID: sessionID, UserID: "u1", OrgID: "org1"}
	for i, name := range filenames {
		doc := &store.Document{
			ID:          sessionID + "-d" + string(rune('1'+i)),
			UserID:      "u1",
			OrgID:       "org1",
			Filename:    name,
			ContentHash: sessionID + name,
			ByteSize:    10,
		}
		_, err := s.CreateDocument(ctx, doc)
		require.NoError(t, err)
		session.DocumentIDs = append(session.DocumentIDs, doc.ID)
	}
	require.NoError(t, s.CreateSession(ctx, session))
	return session
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	require.NotEmpty(t, out)
	assert.Equal(t, EventEnd, out[len(out)-1].Type)
	return out
}

func TestIsLowSignal(t *testing.T) {
	cases := []struct {
		message string
		want    bool
	}{
		{"thanks!", true},
		{"ok great", true},
		{"Thank you", true},
		{"hi", true},
		{"thanks, what about revenue?", false},
		{"ok give me the 2023 figures", false},
		{"summarize the report", false},
		{"", false},
		{"ok ok ok ok ok ok", false}, // over the word cap
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsLowSignal(tc.message), "message %q", tc.message)
	}
}

func TestMatchDocuments(t *testing.T) {
	docs := []*store.Document{
		{ID: "d1", Filename: "Acme_Q3-Report.pdf"},
		{ID: "d2", Filename: "globex annual 2024.pdf"},
		{ID: "d3", Filename: "notes.txt"},
	}

	matched := MatchDocuments([]string{"acme q3", "Globex"}, docs)
	require.Len(t, matched, 2)
	assert.Equal(t, "d1", matched[0].ID)
	assert.Equal(t, "d2", matched[1].ID)

	assert.Empty(t, MatchDocuments([]string{"initech"}, docs))
	assert.Empty(t, MatchDocuments(nil, docs))
}

func TestComparerPairsTwoDocuments(t *testing.T) {
	a1 := mkChunk("a1", "d1", "Revenue grew to $5M in 2023.")
	a2 := mkChunk("a2", "d1", "Headcount reached 40 employees.")
	b1 := mkChunk("b1", "d2", "Revenue grew to $8M in 2023.")
	b2 := mkChunk("b2", "d2", "The office moved to Austin.")

	engine := &fakeEngine{perDoc: map[string][]retrieval.ScoredChunk{
		"d1": scoredList(a1, a2),
		"d2": scoredList(b1, b2),
	}}
	// Pair order: (a1,b1) (a1,b2) (a2,b1) (a2,b2).
	scorer := &fakeScorer{scores: []float64{0.95, 0.1, 0.2, 0.3}}
	comparer := NewComparer(chatConfig(), engine, scorer)

	cc, perDoc, err := comparer.Compare(context.Background(), retrieval.Understanding{}, []*store.Document{
		{ID: "d1", Filename: "acme.pdf"},
		{ID: "d2", Filename: "globex.pdf"},
	}, 0.6)
	require.NoError(t, err)
	require.Len(t, perDoc, 2)

	require.Len(t, cc.Documents, 2)
	assert.Equal(t, "Document A", cc.Documents[0].Label)
	assert.Equal(t, "Document B", cc.Documents[1].Label)

	// Only (a1,b1) clears the 0.6 threshold.
	require.Len(t, cc.Pairs, 1)
	assert.Equal(t, "a1", cc.Pairs[0].A.ChunkID)
	assert.Equal(t, "b1", cc.Pairs[0].B.ChunkID)
	assert.InDelta(t, 0.95, cc.Pairs[0].Similarity, 1e-9)

	// The rest surface as unpaired.
	unpaired := make([]string, 0, len(cc.Unpaired))
	for _, u := range cc.Unpaired {
		unpaired = append(unpaired, u.ChunkID)
	}
	assert.ElementsMatch(t, []string{"a2", "b2"}, unpaired)

	// All candidate pairs went out in one batch.
	assert.Equal(t, 1, scorer.calls)
	assert.Len(t, scorer.pairs, 4)
}

func TestComparerGreedyMatchingPrefersHigherSimilarity(t *testing.T) {
	a1 := mkChunk("a1", "d1", "alpha")
	b1 := mkChunk("b1", "d2", "beta")
	b2 := mkChunk("b2", "d2", "gamma")

	engine := &fakeEngine{perDoc: map[string][]retrieval.ScoredChunk{
		"d1": scoredList(a1),
		"d2": scoredList(b1, b2),
	}}
	// a1 matches both sides of d2; the higher score wins.
	scorer := &fakeScorer{scores: []float64{0.7, 0.9}}
	comparer := NewComparer(chatConfig(), engine, scorer)

	cc, _, err := comparer.Compare(context.Background(), retrieval.Understanding{}, []*store.Document{
		{ID: "d1"}, {ID: "d2"},
	}, 0.6)
	require.NoError(t, err)
	require.Len(t, cc.Pairs, 1)
	assert.Equal(t, "b2", cc.Pairs[0].B.ChunkID)
}

func TestComparerClustersThreeDocuments(t *testing.T) {
	anchor := mkChunk("a1", "d1", "Gross margin was 62 percent.")
	m2 := mkChunk("b1", "d2", "Gross margin was 55 percent.")
	m3 := mkChunk("c1", "d3", "Gross margin was 48 percent.")
	lone := mkChunk("a2", "d1", "The CEO joined in 2019.")

	engine := &fakeEngine{perDoc: map[string][]retrieval.ScoredChunk{
		"d1": scoredList(anchor, lone),
		"d2": scoredList(m2),
		"d3": scoredList(m3),
	}}
	// Pair order: (a1,b1) (a1,c1) (a2,b1) (a2,c1).
	scorer := &fakeScorer{scores: []float64{0.9, 0.8, 0.7, 0.1}}
	comparer := NewComparer(chatConfig(), engine, scorer)

	cc, _, err := comparer.Compare(context.Background(), retrieval.Understanding{}, []*store.Document{
		{ID: "d1"}, {ID: "d2"}, {ID: "d3"},
	}, 0.6)
	require.NoError(t, err)

	// a1 has matches in both other documents; a2 only in one, so no cluster.
	require.Len(t, cc.Clusters, 1)
	assert.Equal(t, "a1", cc.Clusters[0].Anchor.ChunkID)
	require.Len(t, cc.Clusters[0].Matches, 2)
	assert.Equal(t, "b1", cc.Clusters[0].Matches[0].ChunkID)
	assert.Equal(t, "c1", cc.Clusters[0].Matches[1].ChunkID)

	unpaired := make([]string, 0, len(cc.Unpaired))
	for _, u := range cc.Unpaired {
		unpaired = append(unpaired, u.ChunkID)
	}
	assert.ElementsMatch(t, []string{"a2"}, unpaired)
}

func TestComparerFallsBackToLexicalOverlap(t *testing.T) {
	a1 := mkChunk("a1", "d1", "revenue grew twenty percent")
	b1 := mkChunk("b1", "d2", "revenue grew twenty percent")
	b2 := mkChunk("b2", "d2", "unrelated facilities paragraph here")

	engine := &fakeEngine{perDoc: map[string][]retrieval.ScoredChunk{
		"d1": scoredList(a1),
		"d2": scoredList(b1, b2),
	}}
	scorer := &fakeScorer{err: errors.New("encoder down")}
	comparer := NewComparer(chatConfig(), engine, scorer)

	cc, _, err := comparer.Compare(context.Background(), retrieval.Understanding{}, []*store.Document{
		{ID: "d1"}, {ID: "d2"},
	}, 0.6)
	require.NoError(t, err)
	require.Len(t, cc.Pairs, 1)
	assert.Equal(t, "b1", cc.Pairs[0].B.ChunkID)
	assert.InDelta(t, 1.0, cc.Pairs[0].Similarity, 1e-9)
}

func TestInferTopic(t *testing.T) {
	withHierarchy := mkChunk("c1", "d1", "text")
	withHierarchy.HeadingHierarchy = []string{"Financials", "Revenue", "By Segment"}
	assert.Equal(t, "Revenue > By Segment", inferTopic(withHierarchy))

	withHeading := mkChunk("c2", "d1", "text")
	withHeading.SectionHeading = "Risk Factors"
	assert.Equal(t, "Risk Factors", inferTopic(withHeading))

	bare := mkChunk("c3", "d1", "the quick brown fox jumps over the fence")
	assert.Equal(t, "the quick brown fox jumps", inferTopic(bare))
}

func TestInterleave(t *testing.T) {
	a1, a2 := mkChunk("a1", "d1", "x"), mkChunk("a2", "d1", "x")
	b1 := mkChunk("b1", "d2", "x")

	merged := interleave([][]retrieval.ScoredChunk{scoredList(a1, a2), scoredList(b1)})
	require.Len(t, merged, 3)
	assert.Equal(t, "a1", merged[0].Chunk.ChunkID)
	assert.Equal(t, "b1", merged[1].Chunk.ChunkID)
	assert.Equal(t, "a2", merged[2].Chunk.ChunkID)
}

func TestEnforceBudgetDropsChunksThenSummary(t *testing.T) {
	cfg := chatConfig()
	cfg.ContextTokenBudget = 100 // ~400 chars with the 4 chars/token estimate
	c := &Chat{cfg: cfg}

	long := strings.Repeat("word ", 40) // ~50 tokens per chunk
	scored := scoredList(
		mkChunk("c1", "d1", long),
		mkChunk("c2", "d1", long),
		mkChunk("c3", "d1", long),
	)
	history := &History{
		Summary: strings.Repeat("summary ", 50), // ~100 tokens
		Recent:  []*store.ChatMessage{{Role: "user", Content: "short question"}},
	}

	kept, trimmed := c.enforceBudget(scored, history)

	// Low-ranked chunks go first; at least one always survives.
	assert.Less(t, len(kept), 3)
	assert.Equal(t, "c1", kept[0].Chunk.ChunkID)

	// Summary shrank, recent messages untouched.
	assert.Less(t, len(trimmed.Summary), len(history.Summary))
	assert.Equal(t, history.Recent, trimmed.Recent)
}

func TestSelectComparisonDocs(t *testing.T) {
	cfg := chatConfig()
	c := &Chat{cfg: cfg}
	docs := []*store.Document{
		{ID: "d1", Filename: "acme.pdf"},
		{ID: "d2", Filename: "globex.pdf"},
		{ID: "d3", Filename: "initech.pdf"},
		{ID: "d4", Filename: "umbrella.pdf"},
	}

	// Small sets proceed with everything.
	targets, sel := c.selectComparisonDocs(docs[:2], nil, nil)
	assert.Nil(t, sel)
	assert.Len(t, targets, 2)

	// A named subset within the cap proceeds.
	targets, sel = c.selectComparisonDocs(docs, []string{"acme", "globex"}, nil)
	assert.Nil(t, sel)
	require.Len(t, targets, 2)
	assert.Equal(t, "d1", targets[0].ID)

	// Too many documents and no usable names asks the client to choose,
	// preselecting the first MaxComparisonDocs.
	targets, sel = c.selectComparisonDocs(docs, nil, nil)
	assert.Nil(t, targets)
	require.NotNil(t, sel)
	assert.Len(t, sel.Options, 4)
	assert.Equal(t, []string{"d1", "d2", "d3"}, sel.Preselected)
	assert.Equal(t, 3, sel.MaxDocs)

	// Naming more documents than the cap narrows the selection prompt to
	// the named ones.
	five := append(append([]*store.Document{}, docs...), &store.Document{ID: "d5", Filename: "wayne.pdf"})
	targets, sel = c.selectComparisonDocs(five, []string{"acme", "globex", "initech", "umbrella"}, nil)
	assert.Nil(t, targets)
	require.NotNil(t, sel)
	require.Len(t, sel.Options, 4)
	for _, opt := range sel.Options {
		assert.NotEqual(t, "d5", opt.ID)
	}
	assert.Equal(t, []string{"d1", "d2", "d3"}, sel.Preselected)

	// An explicit client selection wins.
	targets, sel = c.selectComparisonDocs(docs, nil, []string{"d2", "d4"})
	assert.Nil(t, sel)
	require.Len(t, targets, 2)
	assert.Equal(t, "d2", targets[0].ID)
	assert.Equal(t, "d4", targets[1].ID)
}

func TestAskStreamsAnswerAndPersists(t *testing.T) {
	s := newTestStore(t)
	session := seedSession(t, s, "s1", "acme.pdf")

	source := mkChunk("c1", session.DocumentIDs[0], "Revenue was $5M.")
	source.BBox = &chunks.BBox{Page: 2, X0: 10, Y0: 20, X1: 300, Y1: 60}
	engine := &fakeEngine{results: scoredList(source)}
	client := &fakeLLM{
		jsonResult: &llms.Result{Parsed: map[string]interface{}{
			"query_type": "general_qa", "reformulated_query": "what was revenue", "confidence": 0.9,
		}},
		streamText:  []string{"Revenue ", "was $5M."},
		streamUsage: llms.Usage{InputTokens: 100, OutputTokens: 20, CostUSD: 0.01},
	}
	chat := New(chatConfig(), config.LLMConfig{Model: "m", CheapModel: "cheap"}, s, client, engine, &fakeScorer{}, nil)

	ch, err := chat.Ask(context.Background(), "s1", "What was revenue in 2023?", TurnOptions{})
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var text strings.Builder
	var sawCitations, sawUsage bool
	for _, ev := range events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Text)
		case EventCitations:
			sawCitations = true
			require.Len(t, ev.Citations, 1)
			assert.Equal(t, "c1", ev.Citations[0].ChunkID)
			assert.Equal(t, "acme.pdf", ev.Citations[0].Filename)
			// The bbox page wins over the chunk page, and the box rides
			// along for highlighting.
			assert.Equal(t, 2, ev.Citations[0].Page)
			require.NotNil(t, ev.Citations[0].BBox)
			assert.Equal(t, 300.0, ev.Citations[0].BBox.X1)
		case EventUsage:
			sawUsage = true
			assert.Equal(t, 100, ev.Usage.InputTokens)
		case EventError:
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
	}
	assert.Equal(t, "Revenue was $5M.", text.String())
	assert.True(t, sawCitations)
	assert.True(t, sawUsage)

	// The exchange is persisted with sources and usage.
	msgs, err := s.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Revenue was $5M.", msgs[1].Content)
	assert.Equal(t, []string{"c1"}, msgs[1].SourceChunkIDs)
	assert.Equal(t, 20, msgs[1].OutputTokens)
	// Persisted citations carry the resolved filename too.
	assert.Contains(t, msgs[1].CitationsJSON, "acme.pdf")
}

func TestResolveClampsTurnOptions(t *testing.T) {
	c := &Chat{cfg: chatConfig()}

	// Zero values mean defaults.
	numChunks, threshold := c.resolve(TurnOptions{})
	assert.Equal(t, c.cfg.NumChunks, numChunks)
	assert.InDelta(t, c.cfg.SimilarityThreshold, threshold, 1e-9)

	// In-range overrides apply.
	numChunks, threshold = c.resolve(TurnOptions{NumChunks: 25, SimilarityThreshold: 0.8})
	assert.Equal(t, 25, numChunks)
	assert.InDelta(t, 0.8, threshold, 1e-9)

	// Out-of-range values fall back to the defaults.
	numChunks, threshold = c.resolve(TurnOptions{NumChunks: 500, SimilarityThreshold: 1.5})
	assert.Equal(t, c.cfg.NumChunks, numChunks)
	assert.InDelta(t, c.cfg.SimilarityThreshold, threshold, 1e-9)

	numChunks, threshold = c.resolve(TurnOptions{NumChunks: -3, SimilarityThreshold: -0.2})
	assert.Equal(t, c.cfg.NumChunks, numChunks)
	assert.InDelta(t, c.cfg.SimilarityThreshold, threshold, 1e-9)
}

func TestAskLowSignalSkipsRetrievalAndLLM(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1", "acme.pdf")

	client := &fakeLLM{}
	engine := &fakeEngine{err: errors.New("should not be called")}
	chat := New(chatConfig(), config.LLMConfig{}, s, client, engine, &fakeScorer{}, nil)

	ch, err := chat.Ask(context.Background(), "s1", "thanks!", TurnOptions{})
	require.NoError(t, err)
	events := collectEvents(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Type)
	assert.Contains(t, events[0].Text, "welcome")
	assert.Zero(t, client.jsonCalls)
	assert.Zero(t, client.streamCalls)

	msgs, err := s.Messages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestAskComparisonNeedsSelection(t *testing.T) {
	s := newTestStore(t)
	seedSession(t, s, "s1", "a.pdf", "b.pdf", "c.pdf", "d.pdf")

	client := &fakeLLM{jsonResult: &llms.Result{Parsed: map[string]interface{}{
		"query_type": "comparison", "reformulated_query": "compare all", "confidence": 0.9,
	}}}
	chat := New(chatConfig(), config.LLMConfig{}, s, client, &fakeEngine{}, &fakeScorer{}, nil)

	ch, err := chat.Ask(context.Background(), "s1", "Compare these documents", TurnOptions{})
	require.NoError(t, err)
	events := collectEvents(t, ch)

	require.Len(t, events, 2)
	assert.Equal(t, EventComparisonSelection, events[0].Type)
	require.NotNil(t, events[0].Selection)
	assert.Len(t, events[0].Selection.Options, 4)
	assert.Len(t, events[0].Selection.Preselected, 3)

	// Nothing persisted until the client narrows the comparison.
	msgs, err := s.Messages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, client.streamCalls)
}

func TestAskComparisonEmitsContext(t *testing.T) {
	s := newTestStore(t)
	session := seedSession(t, s, "s1", "acme.pdf", "globex.pdf")

	d1, d2 := session.DocumentIDs[0], session.DocumentIDs[1]
	engine := &fakeEngine{perDoc: map[string][]retrieval.ScoredChunk{
		d1: scoredList(mkChunk("a1", d1, "Revenue was $5M.")),
		d2: scoredList(mkChunk("b1", d2, "Revenue was $8M.")),
	}}
	client := &fakeLLM{
		jsonResult: &llms.Result{Parsed: map[string]interface{}{
			"query_type": "comparison", "reformulated_query": "compare revenue", "confidence": 0.9,
		}},
		streamText: []string{"Acme made less."},
	}
	scorer := &fakeScorer{scores: []float64{0.9}}
	chat := New(chatConfig(), config.LLMConfig{}, s, client, engine, scorer, nil)

	ch, err := chat.Ask(context.Background(), "s1", "Compare revenue across both", TurnOptions{})
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var cc *ComparisonContext
	for _, ev := range events {
		if ev.Type == EventComparisonContext {
			cc = ev.Comparison
		}
	}
	require.NotNil(t, cc)
	require.Len(t, cc.Pairs, 1)

	// The comparison payload lands on the assistant message.
	msgs, err := s.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].ComparisonJSON, "Document A")
}

func TestAskStreamErrorPersistsPartial(t *testing.T) {
	s := newTestStore(t)
	session := seedSession(t, s, "s1", "acme.pdf")

	engine := &fakeEngine{results: scoredList(mkChunk("c1", session.DocumentIDs[0], "Revenue was $5M."))}
	client := &fakeLLM{
		jsonResult: &llms.Result{Parsed: map[string]interface{}{
			"query_type": "general_qa", "reformulated_query": "q", "confidence": 0.9,
		}},
		streamText: []string{"Revenue was"},
		streamErr:  errors.New("connection reset"),
	}
	chat := New(chatConfig(), config.LLMConfig{}, s, client, engine, &fakeScorer{}, nil)

	ch, err := chat.Ask(context.Background(), "s1", "What was revenue?", TurnOptions{})
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var sawError bool
	for _, ev := range events {
		if ev.Type == EventError {
			sawError = true
			assert.Equal(t, "llm_error", ev.Error)
		}
	}
	assert.True(t, sawError)

	msgs, err := s.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasSuffix(msgs[1].Content, interruptionMarker))
	assert.True(t, strings.HasPrefix(msgs[1].Content, "Revenue was"))
}
