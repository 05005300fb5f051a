package retrieval

import (
	"sort"
	"strings"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/tokens"
)

// CompressChunk reduces an oversized narrative chunk to the sentences most
// relevant to the query, preserving original sentence order. Table and
// key-value chunks are returned untouched: their structure is their value,
// and dropping rows silently corrupts answers.
func CompressChunk(c *chunks.Chunk, query string, tokenLimit int, counter *tokens.Counter) string {
	content := c.Content()
	if c.Kind != chunks.KindNarrative {
		return content
	}
	if counter.Estimate(content) <= tokenLimit {
		return content
	}

	sentences := chunks.SplitSentences(content)
	if len(sentences) <= 1 {
		return content
	}

	queryWords := wordSet(query)
	type scored struct {
		index int
		text  string
		score float64
	}
	list := make([]scored, len(sentences))
	for i, s := range sentences {
		overlap := 0.0
		for w := range wordSet(s) {
			if queryWords[w] {
				overlap++
			}
		}
		list[i] = scored{index: i, text: s, score: overlap}
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	budget := tokenLimit
	keep := map[int]bool{}
	for _, s := range list {
		cost := counter.Estimate(s.text)
		if cost > budget {
			continue
		}
		keep[s.index] = true
		budget -= cost
		if budget <= 0 {
			break
		}
	}
	if len(keep) == 0 {
		keep[list[0].index] = true
	}

	var b strings.Builder
	for i, s := range sentences {
		if keep[i] {
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(strings.TrimSpace(s))
		}
	}
	return b.String()
}
