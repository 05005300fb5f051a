package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/store"
)

type fakeSource struct {
	chunks  map[string]*chunks.Chunk
	lexical []store.LexicalHit
}

func (f *fakeSource) Chunks(_ context.Context, ids []string) ([]*chunks.Chunk, error) {
	var out []*chunks.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) SectionChunks(_ context.Context, _, sectionID string) ([]*chunks.Chunk, error) {
	var out []*chunks.Chunk
	for _, c := range f.chunks {
		if c.SectionID == sectionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) LexicalSearch(_ context.Context, _ string, _ []string, _ int) ([]store.LexicalHit, error) {
	return f.lexical, nil
}

type fakeVectors struct {
	results []databases.SearchResult
}

func (f *fakeVectors) Upsert(context.Context, string, []float32, map[string]interface{}) error {
	return nil
}

func (f *fakeVectors) Search(context.Context, []float32, int, databases.Filter) ([]databases.SearchResult, error) {
	return f.results, nil
}

func (f *fakeVectors) DeleteByDocument(context.Context, string) error { return nil }
func (f *fakeVectors) Close() error                                   { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (fakeEmbedder) Dimension() int { return 2 }

func retrievalConfig() config.RetrievalConfig {
	cfg := config.RetrievalConfig{}
	cfg.SetDefaults()
	return cfg
}

func narrative(id, section, text string) *chunks.Chunk {
	return &chunks.Chunk{ChunkID: id, DocumentID: "d1", Text: text, Kind: chunks.KindNarrative, SectionID: section}
}

func TestRetrieveFusesDenseAndLexical(t *testing.T) {
	source := &fakeSource{
		chunks: map[string]*chunks.Chunk{
			"a": narrative("a", "s1", "alpha"),
			"b": narrative("b", "s1", "beta"),
			"c": narrative("c", "s2", "gamma"),
		},
		lexical: []store.LexicalHit{
			{ChunkID: "b", DocumentID: "d1", Score: 5},
			{ChunkID: "c", DocumentID: "d1", Score: 4},
		},
	}
	vectors := &fakeVectors{results: []databases.SearchResult{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.8},
	}}

	r := NewRetriever(retrievalConfig(), vectors, fakeEmbedder{}, source)
	got, err := r.Retrieve(context.Background(), "query", "", Scope{DocumentIDs: []string{"d1"}}, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// b appears in both lists so RRF puts it first.
	assert.Equal(t, "b", got[0].Chunk.ChunkID)
}

func TestRetrieveAppliesSimilarityFloor(t *testing.T) {
	source := &fakeSource{chunks: map[string]*chunks.Chunk{
		"a": narrative("a", "s1", "alpha"),
		"b": narrative("b", "s1", "beta"),
	}}
	vectors := &fakeVectors{results: []databases.SearchResult{
		{ID: "a", Score: 0.9},
		{ID: "b", Score: 0.05}, // below the 0.25 floor
	}}

	r := NewRetriever(retrievalConfig(), vectors, fakeEmbedder{}, source)
	got, err := r.Retrieve(context.Background(), "query", "", Scope{DocumentIDs: []string{"d1"}}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Chunk.ChunkID)
}

func TestSizingTable(t *testing.T) {
	cfg := retrievalConfig()

	s := SizingFor(QueryDataExtraction, cfg)
	assert.Equal(t, Sizing{CandidatePool: 25, TopK: 12, ExpansionPerChunk: 2, MaxTotal: 24}, s)

	s = SizingFor(QueryEntityLookup, cfg)
	assert.Equal(t, 10, s.MaxTotal)

	// general_qa and comparison inherit the configured defaults.
	s = SizingFor(QueryGeneralQA, cfg)
	assert.Equal(t, cfg.CandidatePool, s.CandidatePool)
	assert.Equal(t, cfg.TopK, s.TopK)
	assert.Equal(t, 18, s.MaxTotal)

	s = SizingFor(QueryComparison, cfg)
	assert.Equal(t, 2, s.ExpansionPerChunk)
	assert.Equal(t, 20, s.MaxTotal)
}

func TestJaccardFallbackRanksOverlap(t *testing.T) {
	ce := NewCrossEncoder(config.RetrievalConfig{RerankBatchSize: 32}) // no URL configured

	scores, err := ce.Rerank(context.Background(), "quarterly revenue growth", []string{
		"revenue grew strongly this quarterly period",
		"the office moved to a new building",
	})
	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Greater(t, scores[0], scores[1])
}

func TestScorePairsFallback(t *testing.T) {
	ce := NewCrossEncoder(config.RetrievalConfig{RerankBatchSize: 32})

	scores, err := ce.ScorePairs(context.Background(), [][2]string{
		{"revenue table", "revenue table for 2024"},
		{"revenue table", "employee handbook"},
	})
	require.NoError(t, err)
	assert.Greater(t, scores[0], scores[1])
}

func TestExpanderFollowsLinksAndDerates(t *testing.T) {
	table := &chunks.Chunk{ChunkID: "t1", DocumentID: "d1", Kind: chunks.KindTable, SectionID: "s1", LinkedNarrativeID: "n1"}
	parent := narrative("n1", "s1", "section opening")
	sibling := narrative("n2", "s1", "sibling text")
	table.SiblingChunkIDs = []string{"n2"}

	source := &fakeSource{chunks: map[string]*chunks.Chunk{"t1": table, "n1": parent, "n2": sibling}}
	ex := NewExpander(source)

	out := ex.Expand(context.Background(), []ScoredChunk{{Chunk: table, Score: 0.8}},
		Sizing{ExpansionPerChunk: 2, MaxTotal: 10}, 0.1)

	require.Len(t, out, 3)
	assert.Equal(t, "t1", out[0].Chunk.ChunkID)
	for _, sc := range out[1:] {
		assert.InDelta(t, 0.8*expansionDerate, sc.Score, 1e-9)
	}
}

func TestExpanderRespectsFloorAndCap(t *testing.T) {
	low := narrative("a", "s1", "text")
	low.SiblingChunkIDs = []string{"b"}
	source := &fakeSource{chunks: map[string]*chunks.Chunk{
		"a": low, "b": narrative("b", "s1", "other"),
	}}
	ex := NewExpander(source)

	// Below the score floor: no expansion happens.
	out := ex.Expand(context.Background(), []ScoredChunk{{Chunk: low, Score: 0.05}},
		Sizing{ExpansionPerChunk: 2, MaxTotal: 10}, 0.1)
	assert.Len(t, out, 1)

	// MaxTotal truncates after merge.
	out = ex.Expand(context.Background(), []ScoredChunk{{Chunk: low, Score: 0.9}},
		Sizing{ExpansionPerChunk: 2, MaxTotal: 1}, 0.1)
	assert.Len(t, out, 1)
}

func TestCompressChunkNeverTouchesTables(t *testing.T) {
	table := &chunks.Chunk{
		ChunkID:   "t1",
		Kind:      chunks.KindTable,
		Text:      "Revenue table.",
		TableText: strings.Repeat("| row | value |\n", 500),
	}
	got := CompressChunk(table, "revenue", 10, nil)
	assert.Equal(t, table.Content(), got)
}

func TestCompressChunkKeepsRelevantSentences(t *testing.T) {
	var b strings.Builder
	b.WriteString("Revenue grew twelve percent in the fiscal year. ")
	for i := 0; i < 50; i++ {
		b.WriteString("The weather in the region was unremarkable throughout. ")
	}
	c := narrative("n1", "s1", b.String())

	got := CompressChunk(c, "revenue growth fiscal", 30, nil)
	assert.Contains(t, got, "Revenue grew twelve percent")
	assert.Less(t, len(got), len(c.Content()))
}

func TestUnderstandFallsBackWithoutClient(t *testing.T) {
	u := Understand(context.Background(), nil, "model", "what is revenue?", "")
	assert.Equal(t, QueryGeneralQA, u.QueryType)
	assert.Equal(t, "what is revenue?", u.ReformulatedQuery)
}
