package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/embedders"
	"github.com/docquarry/quarry/pkg/store"
)

// ChunkSource provides chunk bodies and lexical search. *store.Store
// satisfies it.
type ChunkSource interface {
	Chunks(ctx context.Context, ids []string) ([]*chunks.Chunk, error)
	SectionChunks(ctx context.Context, documentID, sectionID string) ([]*chunks.Chunk, error)
	LexicalSearch(ctx context.Context, query string, documentIDs []string, limit int) ([]store.LexicalHit, error)
}

// Scope restricts search to a document set and/or collection.
type Scope struct {
	DocumentIDs  []string
	CollectionID string
}

// ScoredChunk pairs a chunk with its current ranking score. The score's
// meaning shifts through the pipeline (RRF, then rerank, then derated
// expansion scores); only relative order within one stage is meaningful.
type ScoredChunk struct {
	Chunk *chunks.Chunk
	Score float64
}

// Retriever fuses dense vector search with lexical full-text search.
type Retriever struct {
	cfg      config.RetrievalConfig
	vectors  databases.VectorStore
	embedder embedders.Embedder
	source   ChunkSource
}

func NewRetriever(cfg config.RetrievalConfig, vectors databases.VectorStore, embedder embedders.Embedder, source ChunkSource) *Retriever {
	return &Retriever{cfg: cfg, vectors: vectors, embedder: embedder, source: source}
}

// Retrieve returns up to pool fused candidates. embedText is the string to
// embed for the dense leg (a hypothetical answer when available, else the
// query itself); queryText always drives the lexical leg.
func (r *Retriever) Retrieve(ctx context.Context, queryText, embedText string, scope Scope, pool int) ([]ScoredChunk, error) {
	if pool <= 0 {
		pool = r.cfg.CandidatePool
	}
	if embedText == "" {
		embedText = queryText
	}

	var dense []databases.SearchResult
	var lexical []store.LexicalHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vector, err := r.embedder.Embed(gctx, embedText)
		if err != nil {
			return fmt.Errorf("failed to embed query: %w", err)
		}
		results, err := r.vectors.Search(gctx, vector, pool, databases.Filter{
			DocumentIDs:  scope.DocumentIDs,
			CollectionID: scope.CollectionID,
		})
		if err != nil {
			return fmt.Errorf("dense search failed: %w", err)
		}
		for _, res := range results {
			if float64(res.Score) >= r.cfg.MinSimilarity {
				dense = append(dense, res)
			}
		}
		return nil
	})
	g.Go(func() error {
		if len(scope.DocumentIDs) == 0 {
			return nil
		}
		hits, err := r.source.LexicalSearch(gctx, queryText, scope.DocumentIDs, pool)
		if err != nil {
			// Lexical is a recall booster; dense alone is a usable result.
			slog.Warn("lexical search failed, continuing dense-only", "error", err)
			return nil
		}
		lexical = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := r.fuse(dense, lexical)
	if len(fused) > pool {
		fused = fused[:pool]
	}
	return r.resolve(ctx, fused)
}

type fusedHit struct {
	id    string
	score float64
}

// fuse combines both result lists by reciprocal rank fusion keyed by chunk
// id: score(c) = sum over lists of 1/(k + rank).
func (r *Retriever) fuse(dense []databases.SearchResult, lexical []store.LexicalHit) []fusedHit {
	k := float64(r.cfg.RRFK)
	scores := map[string]float64{}
	for rank, res := range dense {
		if res.ID != "" {
			scores[res.ID] += 1.0 / (k + float64(rank+1))
		}
	}
	for rank, hit := range lexical {
		scores[hit.ChunkID] += 1.0 / (k + float64(rank+1))
	}

	out := make([]fusedHit, 0, len(scores))
	for id, score := range scores {
		out = append(out, fusedHit{id: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}

func (r *Retriever) resolve(ctx context.Context, fused []fusedHit) ([]ScoredChunk, error) {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.id
	}
	bodies, err := r.source.Chunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load fused chunks: %w", err)
	}
	byID := make(map[string]*chunks.Chunk, len(bodies))
	for _, c := range bodies {
		byID[c.ChunkID] = c
	}

	out := make([]ScoredChunk, 0, len(fused))
	for _, f := range fused {
		if c, ok := byID[f.id]; ok {
			out = append(out, ScoredChunk{Chunk: c, Score: f.score})
		}
	}
	return out, nil
}
