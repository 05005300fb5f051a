package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
)

// scriptedClient returns one canned result per structured call, recording
// the system prompts it saw.
type scriptedClient struct {
	results []*llms.Result
	errs    []error
	calls   int
	systems []string
}

func (s *scriptedClient) next() (*llms.Result, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return s.results[len(s.results)-1], nil
}

func (s *scriptedClient) Complete(_ context.Context, req llms.Request) (*llms.Result, error) {
	s.systems = append(s.systems, req.System)
	return s.next()
}

func (s *scriptedClient) CompleteJSON(_ context.Context, req llms.Request) (*llms.Result, error) {
	s.systems = append(s.systems, req.System)
	return s.next()
}

func (s *scriptedClient) CompleteStructured(_ context.Context, req llms.Request, _ map[string]interface{}) (*llms.Result, error) {
	s.systems = append(s.systems, req.System)
	return s.next()
}

func (s *scriptedClient) Stream(context.Context, llms.Request) (<-chan llms.StreamEvent, error) {
	return nil, errors.New("not scripted")
}

func (s *scriptedClient) Model() string { return "scripted" }

func preparedFixture() *PreparedContext {
	return &PreparedContext{
		Mode:    ModeDirect,
		Context: "ctx [D1:p1] [D1:p2] [D1:p3]",
		Citations: map[string]Citation{
			"[D1:p1]": {Token: "[D1:p1]", ChunkID: "c1", DocumentID: "d1", Page: 1},
			"[D1:p2]": {Token: "[D1:p2]", ChunkID: "c2", DocumentID: "d1", Page: 2},
			"[D1:p3]": {Token: "[D1:p3]", ChunkID: "c3", DocumentID: "d1", Page: 3},
		},
		Whitelist: []string{"[D1:p1]", "[D1:p2]", "[D1:p3]"},
	}
}

func testPrompts() Prompts {
	return Prompts{System: "base system", UserTemplate: ContextPlaceholder}
}

func newRunner(client llms.Client) *Runner {
	llmCfg := config.LLMConfig{}
	llmCfg.SetDefaults()
	return NewRunner(workflowConfig(), llmCfg, client)
}

func TestGenerateSucceedsFirstAttempt(t *testing.T) {
	client := &scriptedClient{results: []*llms.Result{{
		Text:   "answer [D1:p1] [D1:p2] [D1:p3]",
		Parsed: map[string]interface{}{"references": []interface{}{"[D1:p1]"}},
		Model:  "scripted",
		Usage:  llms.Usage{InputTokens: 100, OutputTokens: 50},
	}}}

	artifact, usage, err := newRunner(client).Generate(
		context.Background(), testPrompts(), preparedFixture(), nil, nil, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, client.calls)
	assert.Equal(t, 1, artifact.Validation.Attempts)
	assert.Equal(t, 3, artifact.Validation.CitationCount)
	assert.False(t, artifact.Partial)
	assert.Equal(t, 100, usage.InputTokens)
	require.Len(t, artifact.References, 1)
	assert.Equal(t, "c1", artifact.References[0].ChunkID)
}

func TestGenerateRetriesWithCorrectivePreamble(t *testing.T) {
	bad := &llms.Result{
		Text:   "answer [D9:p9]",
		Parsed: map[string]interface{}{"k": "v"},
		Usage:  llms.Usage{InputTokens: 10},
	}
	good := &llms.Result{
		Text:   "answer [D1:p1] [D1:p2] [D1:p3]",
		Parsed: map[string]interface{}{"k": "v"},
		Usage:  llms.Usage{InputTokens: 10},
	}
	client := &scriptedClient{results: []*llms.Result{bad, good}}

	artifact, usage, err := newRunner(client).Generate(
		context.Background(), testPrompts(), preparedFixture(), nil, nil, 1)
	require.NoError(t, err)

	assert.Equal(t, 2, client.calls)
	assert.Equal(t, 2, artifact.Validation.Attempts)
	// Usage accumulates across attempts.
	assert.Equal(t, 20, usage.InputTokens)
	// The retry's system prompt lists the violation and the whitelist.
	require.Len(t, client.systems, 2)
	assert.Equal(t, "base system", client.systems[0])
	assert.Contains(t, client.systems[1], "[D9:p9]")
	assert.Contains(t, client.systems[1], "Only cite these tokens")
}

func TestGenerateSalvagesPartialAfterExhaustedRetries(t *testing.T) {
	bad := &llms.Result{
		Text:   "answer [D9:p9]",
		Parsed: map[string]interface{}{"k": "v"},
	}
	client := &scriptedClient{results: []*llms.Result{bad}}

	artifact, _, err := newRunner(client).Generate(
		context.Background(), testPrompts(), preparedFixture(), nil, nil, 1)
	require.Error(t, err)

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ErrValidation, se.Type)

	// MaxValidationRetries=2 means 3 total attempts.
	assert.Equal(t, 3, client.calls)
	require.NotNil(t, artifact)
	assert.True(t, artifact.Partial)
	assert.Equal(t, map[string]interface{}{"k": "v"}, artifact.Parsed)
}

func TestGenerateLLMErrorIsRetryableStageError(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("overloaded")}}

	artifact, _, err := newRunner(client).Generate(
		context.Background(), testPrompts(), preparedFixture(), nil, nil, 1)
	require.Error(t, err)
	assert.Nil(t, artifact)

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ErrLLM, se.Type)
	assert.True(t, se.Retryable)
}

func TestGenerateDomainCheckFailureRetries(t *testing.T) {
	result := &llms.Result{
		Text:   "answer [D1:p1] [D1:p2] [D1:p3]",
		Parsed: map[string]interface{}{"k": "v"},
	}
	client := &scriptedClient{results: []*llms.Result{result}}

	check := func(parsed map[string]interface{}) []string {
		return []string{"meta.version must be 2"}
	}
	artifact, _, err := newRunner(client).Generate(
		context.Background(), testPrompts(), preparedFixture(), nil, check, 1)
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
	require.NotNil(t, artifact)
	assert.True(t, artifact.Partial)
}

func TestGenerateMapReduceBriefsSections(t *testing.T) {
	brief := &llms.Result{Text: "brief with [D1:p1]", Usage: llms.Usage{InputTokens: 5}}
	final := &llms.Result{
		Text:   "final [D1:p1] [D1:p2] [D1:p3]",
		Parsed: map[string]interface{}{"k": "v"},
		Usage:  llms.Usage{InputTokens: 50},
	}
	client := &scriptedClient{results: []*llms.Result{brief, final}}

	prepared := preparedFixture()
	prepared.Mode = ModeMapReduce
	prepared.Context = ""
	prepared.Sections = []SectionContext{{
		Spec: SectionSpec{Key: "s", Title: "S", Queries: []string{"q"}},
		Chunks: []*chunks.Chunk{{
			ChunkID: "c1", DocumentID: "d1", Text: "source text", Kind: chunks.KindNarrative, Page: 1,
		}},
	}}

	artifact, usage, err := newRunner(client).Generate(
		context.Background(), testPrompts(), prepared, nil, nil, 1)
	require.NoError(t, err)

	// One brief call plus one synthesis call.
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, 55, usage.InputTokens)
	assert.Equal(t, ModeMapReduce, artifact.Mode)
}
