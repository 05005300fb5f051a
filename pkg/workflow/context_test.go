package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/store"
)

type fakeSearcher struct {
	results []retrieval.ScoredChunk
}

func (f *fakeSearcher) Search(context.Context, retrieval.Understanding, retrieval.Scope) ([]retrieval.ScoredChunk, error) {
	return f.results, nil
}

func workflowConfig() config.WorkflowConfig {
	cfg := config.WorkflowConfig{}
	cfg.SetDefaults()
	return cfg
}

func doc(id, filename string) *store.Document {
	return &store.Document{ID: id, Filename: filename}
}

func scoredNarrative(id, docID, text string, page int, score float64) retrieval.ScoredChunk {
	return retrieval.ScoredChunk{
		Chunk: &chunks.Chunk{
			ChunkID: id, DocumentID: docID, Text: text,
			Kind: chunks.KindNarrative, Page: page, SectionHeading: "Financials",
		},
		Score: score,
	}
}

func memoTemplate(sections []SectionSpec) *Template {
	return &Template{
		ID: "t1", Name: "memo", Generator: MemoGeneratorKey,
		Sections: sections, MinDocuments: 1, MaxDocuments: 10,
	}
}

func TestPrepareBuildsCitationsAndDirectMode(t *testing.T) {
	searcher := &fakeSearcher{results: []retrieval.ScoredChunk{
		scoredNarrative("c1", "d1", "Revenue grew 12% to 15.2M.", 3, 0.9),
		scoredNarrative("c2", "d2", "Margins compressed slightly.", 7, 0.8),
	}}
	p := NewPreparer(workflowConfig(), searcher, nil)

	prepared, err := p.Prepare(context.Background(), memoTemplate([]SectionSpec{
		{Key: "financials", Title: "Financials", Queries: []string{"revenue"}, MaxChunks: 8},
	}), []*store.Document{doc("d1", "a.pdf"), doc("d2", "b.pdf")})
	require.NoError(t, err)

	assert.Equal(t, ModeDirect, prepared.Mode)
	assert.ElementsMatch(t, []string{"[D1:p3]", "[D2:p7]"}, prepared.Whitelist)

	cite := prepared.Citations["[D1:p3]"]
	assert.Equal(t, "a.pdf", cite.Filename)
	assert.Equal(t, 1, cite.DocIndex)
	assert.Equal(t, 3, cite.Page)

	// The assembled context carries section headers and tokens.
	assert.Contains(t, prepared.Context, "=== Financials ===")
	assert.Contains(t, prepared.Context, "[D1:p3]")
	assert.Contains(t, prepared.Context, "Revenue grew")
}

func TestPrepareUsesBBoxPageForCitations(t *testing.T) {
	c := scoredNarrative("c1", "d1", "text", 3, 0.9)
	c.Chunk.BBox = &chunks.BBox{Page: 5}
	p := NewPreparer(workflowConfig(), &fakeSearcher{results: []retrieval.ScoredChunk{c}}, nil)

	prepared, err := p.Prepare(context.Background(), memoTemplate([]SectionSpec{
		{Key: "s", Title: "S", Queries: []string{"q"}, MaxChunks: 4},
	}), []*store.Document{doc("d1", "a.pdf")})
	require.NoError(t, err)
	assert.Equal(t, []string{"[D1:p5]"}, prepared.Whitelist)
}

func TestPrepareDiversityCap(t *testing.T) {
	// Six high-scoring chunks from d1 crowd out two from d2 without the cap.
	results := []retrieval.ScoredChunk{}
	for i, id := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		results = append(results, scoredNarrative(id, "d1", "text "+id, i+1, 0.9-float64(i)*0.01))
	}
	results = append(results,
		scoredNarrative("b1", "d2", "text b1", 1, 0.5),
		scoredNarrative("b2", "d2", "text b2", 2, 0.4),
	)
	p := NewPreparer(workflowConfig(), &fakeSearcher{results: results}, nil)

	prepared, err := p.Prepare(context.Background(), memoTemplate([]SectionSpec{
		{Key: "s", Title: "S", Queries: []string{"q"}, MaxChunks: 4},
	}), []*store.Document{doc("d1", "a.pdf"), doc("d2", "b.pdf")})
	require.NoError(t, err)

	byDoc := map[string]int{}
	for _, c := range prepared.Sections[0].Chunks {
		byDoc[c.DocumentID]++
	}
	// DiversityShare 0.5 of 4 chunks caps each document at 2.
	assert.Equal(t, 2, byDoc["d1"])
	assert.Equal(t, 2, byDoc["d2"])
}

func TestPrepareNoChunksIsRetrievalError(t *testing.T) {
	p := NewPreparer(workflowConfig(), &fakeSearcher{}, nil)

	_, err := p.Prepare(context.Background(), memoTemplate([]SectionSpec{
		{Key: "s", Title: "S", Queries: []string{"q"}},
	}), []*store.Document{doc("d1", "a.pdf")})
	require.Error(t, err)

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ErrRetrieval, se.Type)
	assert.False(t, se.Retryable)
	assert.Contains(t, err.Error(), "no_chunks_retrieved")
}

func TestPrepareMapReduceForLargeContexts(t *testing.T) {
	big := strings.Repeat("Lorem ipsum dolor sit amet. ", 2000) // ~14k tokens estimated
	p := NewPreparer(workflowConfig(), &fakeSearcher{results: []retrieval.ScoredChunk{
		scoredNarrative("c1", "d1", big, 1, 0.9),
	}}, nil)

	prepared, err := p.Prepare(context.Background(), memoTemplate([]SectionSpec{
		{Key: "s", Title: "S", Queries: []string{"q"}, MaxChunks: 4},
	}), []*store.Document{doc("d1", "a.pdf")})
	require.NoError(t, err)

	assert.Equal(t, ModeMapReduce, prepared.Mode)
	assert.Empty(t, prepared.Context)
	require.Len(t, prepared.Sections, 1)
	assert.Len(t, prepared.Sections[0].Chunks, 1)
}

func TestBuildUserMessage(t *testing.T) {
	msg, err := BuildUserMessage(Prompts{UserTemplate: "Context:\n" + ContextPlaceholder + "\nGo."}, "THE CONTEXT")
	require.NoError(t, err)
	assert.Equal(t, "Context:\nTHE CONTEXT\nGo.", msg)

	_, err = BuildUserMessage(Prompts{UserTemplate: "no placeholder"}, "x")
	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ErrTemplate, se.Type)
}

func TestResolveVariables(t *testing.T) {
	tpl := &Template{Variables: []VariableSpec{
		{Name: "firm_name", Type: "string", Required: true},
		{Name: "stage", Type: "enum", Enum: []string{"seed", "series_a"}, Default: "seed"},
	}}

	_, err := tpl.ResolveVariables(nil)
	assert.Error(t, err) // firm_name required

	vars, err := tpl.ResolveVariables(map[string]interface{}{"firm_name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "seed", vars["stage"])

	_, err = tpl.ResolveVariables(map[string]interface{}{"firm_name": "Acme", "stage": "ipo"})
	assert.Error(t, err) // enum violation
}
