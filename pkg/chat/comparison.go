package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/store"
)

// Searcher is the retrieval surface the chat pipeline consumes.
type Searcher interface {
	Search(ctx context.Context, u retrieval.Understanding, scope retrieval.Scope) ([]retrieval.ScoredChunk, error)
}

// PairScorer scores arbitrary text pairs in [0,1].
type PairScorer interface {
	ScorePairs(ctx context.Context, pairs [][2]string) ([]float64, error)
}

// ComparisonDoc labels one side of a comparison for the client.
type ComparisonDoc struct {
	ID       string `json:"id"`
	Label    string `json:"label"` // "Document A", "Document B", ...
	Filename string `json:"filename"`
}

// ComparisonChunk is the client-facing slice of a matched chunk.
type ComparisonChunk struct {
	ChunkID        string `json:"chunk_id"`
	DocumentID     string `json:"document_id"`
	Page           int    `json:"page"`
	SectionHeading string `json:"section_heading,omitempty"`
	Snippet        string `json:"snippet"`
}

// ComparisonPair aligns one chunk from each of two documents.
type ComparisonPair struct {
	Topic      string          `json:"topic"`
	A          ComparisonChunk `json:"a"`
	B          ComparisonChunk `json:"b"`
	Similarity float64         `json:"similarity"`
}

// ComparisonCluster aligns an anchor chunk with matches from two or more
// other documents.
type ComparisonCluster struct {
	Topic   string            `json:"topic"`
	Anchor  ComparisonChunk   `json:"anchor"`
	Matches []ComparisonChunk `json:"matches"`
}

// ComparisonContext is the comparison_context event payload.
type ComparisonContext struct {
	Documents []ComparisonDoc     `json:"documents"`
	Pairs     []ComparisonPair    `json:"pairs,omitempty"`
	Clusters  []ComparisonCluster `json:"clusters,omitempty"`
	Unpaired  []ComparisonChunk   `json:"unpaired,omitempty"`
}

// Comparer builds comparison contexts across session documents.
type Comparer struct {
	cfg    config.ChatConfig
	engine Searcher
	scorer PairScorer
}

func NewComparer(cfg config.ChatConfig, engine Searcher, scorer PairScorer) *Comparer {
	return &Comparer{cfg: cfg, engine: engine, scorer: scorer}
}

// Compare retrieves per-document chunks concurrently, then pairs (2 docs)
// or clusters (3+) them by cross-encoder similarity. It also returns the
// flat chunk lists for prompt assembly.
func (c *Comparer) Compare(ctx context.Context, u retrieval.Understanding, docs []*store.Document, threshold float64) (*ComparisonContext, [][]retrieval.ScoredChunk, error) {
	perDoc := make([][]retrieval.ScoredChunk, len(docs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, doc := range docs {
		g.Go(func() error {
			results, err := c.engine.Search(gctx, u, retrieval.Scope{DocumentIDs: []string{doc.ID}})
			if err != nil {
				return fmt.Errorf("retrieval for document %s: %w", doc.ID, err)
			}
			mu.Lock()
			perDoc[i] = results
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	cc := &ComparisonContext{}
	for i, doc := range docs {
		cc.Documents = append(cc.Documents, ComparisonDoc{
			ID:       doc.ID,
			Label:    fmt.Sprintf("Document %c", 'A'+i),
			Filename: doc.Filename,
		})
	}

	if len(docs) == 2 {
		c.pair(ctx, cc, perDoc[0], perDoc[1], threshold)
	} else {
		c.cluster(ctx, cc, perDoc, threshold)
	}
	return cc, perDoc, nil
}

// pair greedily matches each A-chunk to its best unmatched B-chunk above
// the similarity threshold. All candidate pairs are scored in one batch.
func (c *Comparer) pair(ctx context.Context, cc *ComparisonContext, a, b []retrieval.ScoredChunk, threshold float64) {
	if len(a) == 0 || len(b) == 0 {
		c.collectUnpaired(cc, [][]retrieval.ScoredChunk{a, b}, nil)
		return
	}

	pairs := make([][2]string, 0, len(a)*len(b))
	for _, ca := range a {
		for _, cb := range b {
			pairs = append(pairs, [2]string{ca.Chunk.Content(), cb.Chunk.Content()})
		}
	}
	scores := c.score(ctx, pairs)

	type match struct {
		ai, bi int
		sim    float64
	}
	var candidates []match
	for i := range a {
		for j := range b {
			sim := scores[i*len(b)+j]
			if sim >= threshold {
				candidates = append(candidates, match{ai: i, bi: j, sim: sim})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })

	usedA, usedB := map[int]bool{}, map[int]bool{}
	for _, m := range candidates {
		if usedA[m.ai] || usedB[m.bi] {
			continue
		}
		usedA[m.ai], usedB[m.bi] = true, true
		anchor := a[m.ai].Chunk
		cc.Pairs = append(cc.Pairs, ComparisonPair{
			Topic:      inferTopic(anchor),
			A:          toComparisonChunk(anchor),
			B:          toComparisonChunk(b[m.bi].Chunk),
			Similarity: m.sim,
		})
	}

	c.collectUnpaired(cc, [][]retrieval.ScoredChunk{a, b}, func(docIdx, chunkIdx int) bool {
		if docIdx == 0 {
			return usedA[chunkIdx]
		}
		return usedB[chunkIdx]
	})
}

// cluster uses the first document's chunks as anchors; an anchor forms a
// cluster when at least two other documents contribute a match above
// threshold.
func (c *Comparer) cluster(ctx context.Context, cc *ComparisonContext, perDoc [][]retrieval.ScoredChunk, threshold float64) {
	if len(perDoc) == 0 || len(perDoc[0]) == 0 {
		c.collectUnpaired(cc, perDoc, nil)
		return
	}
	anchors := perDoc[0]

	// One batch covering every (anchor, candidate) pair across documents.
	var pairs [][2]string
	type ref struct{ anchorIdx, docIdx, chunkIdx int }
	var refs []ref
	for ai, anchor := range anchors {
		for di := 1; di < len(perDoc); di++ {
			for ci, cand := range perDoc[di] {
				pairs = append(pairs, [2]string{anchor.Chunk.Content(), cand.Chunk.Content()})
				refs = append(refs, ref{anchorIdx: ai, docIdx: di, chunkIdx: ci})
			}
		}
	}
	scores := c.score(ctx, pairs)

	type best struct {
		chunkIdx int
		sim      float64
	}
	// bestMatch[anchorIdx][docIdx]
	bestMatch := make([]map[int]best, len(anchors))
	for i := range bestMatch {
		bestMatch[i] = map[int]best{}
	}
	for k, r := range refs {
		sim := scores[k]
		if sim < threshold {
			continue
		}
		if cur, ok := bestMatch[r.anchorIdx][r.docIdx]; !ok || sim > cur.sim {
			bestMatch[r.anchorIdx][r.docIdx] = best{chunkIdx: r.chunkIdx, sim: sim}
		}
	}

	used := map[string]bool{}
	for ai, anchor := range anchors {
		if len(bestMatch[ai]) < 2 {
			continue
		}
		cluster := ComparisonCluster{
			Topic:  inferTopic(anchor.Chunk),
			Anchor: toComparisonChunk(anchor.Chunk),
		}
		used[anchor.Chunk.ChunkID] = true
		docIdxs := make([]int, 0, len(bestMatch[ai]))
		for di := range bestMatch[ai] {
			docIdxs = append(docIdxs, di)
		}
		sort.Ints(docIdxs)
		for _, di := range docIdxs {
			matched := perDoc[di][bestMatch[ai][di].chunkIdx].Chunk
			cluster.Matches = append(cluster.Matches, toComparisonChunk(matched))
			used[matched.ChunkID] = true
		}
		cc.Clusters = append(cc.Clusters, cluster)
	}

	c.collectUnpaired(cc, perDoc, func(docIdx, chunkIdx int) bool {
		return used[perDoc[docIdx][chunkIdx].Chunk.ChunkID]
	})
}

func (c *Comparer) score(ctx context.Context, pairs [][2]string) []float64 {
	scores, err := c.scorer.ScorePairs(ctx, pairs)
	if err != nil {
		slog.Warn("pair scoring failed, using lexical overlap", "error", err)
		scores = make([]float64, len(pairs))
		for i, p := range pairs {
			scores[i] = lexicalOverlap(p[0], p[1])
		}
	}
	return scores
}

func (c *Comparer) collectUnpaired(cc *ComparisonContext, perDoc [][]retrieval.ScoredChunk, used func(docIdx, chunkIdx int) bool) {
	for di, docChunks := range perDoc {
		for ci, sc := range docChunks {
			if used != nil && used(di, ci) {
				continue
			}
			cc.Unpaired = append(cc.Unpaired, toComparisonChunk(sc.Chunk))
		}
	}
}

// inferTopic names a pair or cluster: the last two heading-hierarchy
// levels when available, else the section heading, else the first five
// words of the chunk.
func inferTopic(c *chunks.Chunk) string {
	if n := len(c.HeadingHierarchy); n >= 2 {
		return c.HeadingHierarchy[n-2] + " > " + c.HeadingHierarchy[n-1]
	}
	if c.SectionHeading != "" {
		return c.SectionHeading
	}
	words := strings.Fields(c.Text)
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, " ")
}

func toComparisonChunk(c *chunks.Chunk) ComparisonChunk {
	return ComparisonChunk{
		ChunkID:        c.ChunkID,
		DocumentID:     c.DocumentID,
		Page:           c.Page,
		SectionHeading: c.SectionHeading,
		Snippet:        chunks.FirstSentence(c.Text, 200),
	}
}

// lexicalOverlap is the word-level Jaccard fallback used when the
// cross-encoder is unreachable.
func lexicalOverlap(a, b string) float64 {
	wa := fieldsSet(a)
	wb := fieldsSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if wb[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(wa)+len(wb)-inter)
}

func fieldsSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}
