package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"github.com/docquarry/quarry/pkg/chunks"
)

// expansionDerate keeps expanded neighbors ranked just below the chunk that
// pulled them in.
const expansionDerate = 0.9

// Expander follows a chunk's structural links (continuation parent,
// siblings, narrative/table cross-links) to pull in neighbors the ranker
// never saw.
type Expander struct {
	source ChunkSource
}

func NewExpander(source ChunkSource) *Expander {
	return &Expander{source: source}
}

// Expand adds up to sizing.ExpansionPerChunk neighbors per ranked chunk,
// merges, re-sorts by score, and caps the total at sizing.MaxTotal.
// Expansion is best-effort: a failed lookup logs and moves on.
func (e *Expander) Expand(ctx context.Context, ranked []ScoredChunk, sizing Sizing, scoreFloor float64) []ScoredChunk {
	seen := make(map[string]bool, len(ranked))
	for _, sc := range ranked {
		seen[sc.Chunk.ChunkID] = true
	}

	out := append([]ScoredChunk(nil), ranked...)
	for _, sc := range ranked {
		if sc.Score < scoreFloor {
			continue
		}
		linkIDs := linkedIDs(sc.Chunk, sizing.ExpansionPerChunk, seen)
		if len(linkIDs) == 0 {
			continue
		}
		neighbors, err := e.source.Chunks(ctx, linkIDs)
		if err != nil {
			slog.Warn("context expansion lookup failed", "chunk", sc.Chunk.ChunkID, "error", err)
			continue
		}
		for _, n := range neighbors {
			if seen[n.ChunkID] {
				continue
			}
			seen[n.ChunkID] = true
			out = append(out, ScoredChunk{Chunk: n, Score: sc.Score * expansionDerate})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if sizing.MaxTotal > 0 && len(out) > sizing.MaxTotal {
		out = out[:sizing.MaxTotal]
	}
	return out
}

// linkedIDs picks up to max neighbor ids in priority order: continuation
// parent first (it holds the section opening), then cross-links, then
// siblings.
func linkedIDs(c *chunks.Chunk, max int, seen map[string]bool) []string {
	if max <= 0 {
		return nil
	}
	var candidates []string
	if c.IsContinuation && c.ParentChunkID != "" {
		candidates = append(candidates, c.ParentChunkID)
	}
	if c.LinkedNarrativeID != "" {
		candidates = append(candidates, c.LinkedNarrativeID)
	}
	candidates = append(candidates, c.LinkedTableIDs...)
	candidates = append(candidates, c.SiblingChunkIDs...)

	var out []string
	picked := map[string]bool{}
	for _, id := range candidates {
		if id == "" || id == c.ChunkID || seen[id] || picked[id] {
			continue
		}
		picked[id] = true
		out = append(out, id)
		if len(out) == max {
			break
		}
	}
	return out
}
