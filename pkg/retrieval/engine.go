package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/observability"
	"github.com/docquarry/quarry/pkg/tokens"
)

// Engine runs the full retrieval pipeline: hybrid search, cross-encoder
// re-ranking with pre-scoring compression, and link-based expansion.
type Engine struct {
	cfg       config.RetrievalConfig
	retriever *Retriever
	reranker  Reranker
	expander  *Expander
	counter   *tokens.Counter
}

func NewEngine(cfg config.RetrievalConfig, retriever *Retriever, reranker Reranker, expander *Expander, counter *tokens.Counter) *Engine {
	return &Engine{
		cfg:       cfg,
		retriever: retriever,
		reranker:  reranker,
		expander:  expander,
		counter:   counter,
	}
}

// Search retrieves chunks for an understood query. The Understanding's
// query type sizes every phase; its hypothetical answer, when present,
// drives the dense leg.
func (e *Engine) Search(ctx context.Context, u Understanding, scope Scope) ([]ScoredChunk, error) {
	started := time.Now()
	sizing := SizingFor(u.QueryType, e.cfg)

	candidates, err := e.retriever.Retrieve(ctx, u.ReformulatedQuery, u.HypotheticalAnswer, scope, sizing.CandidatePool)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		observability.ObserveRetrieval(time.Since(started), 0)
		return nil, nil
	}

	ranked, err := e.rerank(ctx, u, candidates)
	if err != nil {
		return nil, err
	}
	if len(ranked) > sizing.TopK {
		ranked = ranked[:sizing.TopK]
	}

	expanded := e.expander.Expand(ctx, ranked, sizing, e.cfg.RerankScoreFloor)
	observability.ObserveRetrieval(time.Since(started), len(expanded))
	return expanded, nil
}

func (e *Engine) rerank(ctx context.Context, u Understanding, candidates []ScoredChunk) ([]ScoredChunk, error) {
	texts := make([]string, len(candidates))
	for i, sc := range candidates {
		texts[i] = CompressChunk(sc.Chunk, u.ReformulatedQuery, e.cfg.CompressTokenLimit, e.counter)
	}

	scores, err := e.reranker.Rerank(ctx, u.ReformulatedQuery, texts)
	if err != nil {
		return nil, err
	}

	boostTables := u.QueryType == QueryDataExtraction || looksNumeric(u.ReformulatedQuery)
	out := make([]ScoredChunk, len(candidates))
	for i, sc := range candidates {
		score := scores[i]
		if boostTables && sc.Chunk.Kind != chunks.KindNarrative {
			score *= 1.1
		}
		out[i] = ScoredChunk{Chunk: sc.Chunk, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// looksNumeric flags queries asking for figures: digits, currency marks,
// or quantity words.
func looksNumeric(query string) bool {
	for _, r := range query {
		if unicode.IsDigit(r) || r == '$' || r == '€' || r == '£' || r == '%' {
			return true
		}
	}
	lower := strings.ToLower(query)
	for _, w := range []string{"how much", "how many", "revenue", "total", "amount", "figure", "number"} {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
