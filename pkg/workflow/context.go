package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/store"
	"github.com/docquarry/quarry/pkg/tokens"
)

// Searcher is the slice of the retrieval engine context preparation needs.
type Searcher interface {
	Search(ctx context.Context, u retrieval.Understanding, scope retrieval.Scope) ([]retrieval.ScoredChunk, error)
}

// Preparer runs section-scoped retrieval and assembles the generation
// context.
type Preparer struct {
	cfg     config.WorkflowConfig
	engine  Searcher
	counter *tokens.Counter
}

func NewPreparer(cfg config.WorkflowConfig, engine Searcher, counter *tokens.Counter) *Preparer {
	return &Preparer{cfg: cfg, engine: engine, counter: counter}
}

// Prepare retrieves chunks per section spec, builds the citation map, and
// decides the generation mode. Documents arrive in run order; their index
// determines the D{i} part of each citation token.
func (p *Preparer) Prepare(ctx context.Context, tpl *Template, docs []*store.Document) (*PreparedContext, error) {
	docIndex := make(map[string]int, len(docs))
	docByID := make(map[string]*store.Document, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		docIndex[d.ID] = i + 1
		docByID[d.ID] = d
	}
	scope := retrieval.Scope{DocumentIDs: ids}

	prepared := &PreparedContext{Citations: map[string]Citation{}}
	total := 0
	for _, spec := range tpl.Sections {
		selected, err := p.retrieveSection(ctx, spec, scope)
		if err != nil {
			return nil, pipeline.Fail("prepare_context", pipeline.ErrRetrieval, err)
		}
		total += len(selected)
		prepared.Sections = append(prepared.Sections, SectionContext{Spec: spec, Chunks: selected})

		for _, c := range selected {
			token := citationToken(docIndex[c.DocumentID], citationPage(c))
			if _, seen := prepared.Citations[token]; !seen {
				doc := docByID[c.DocumentID]
				prepared.Citations[token] = Citation{
					Token:            token,
					ChunkID:          c.ChunkID,
					DocumentID:       c.DocumentID,
					DocIndex:         docIndex[c.DocumentID],
					Filename:         doc.Filename,
					Page:             citationPage(c),
					SectionHeading:   c.SectionHeading,
					Snippet:          chunks.FirstSentence(c.Text, 200),
					HeadingHierarchy: c.HeadingHierarchy,
					BBox:             c.BBox,
				}
				prepared.Whitelist = append(prepared.Whitelist, token)
			}
		}
	}

	if total == 0 {
		return nil, pipeline.Fail("prepare_context", pipeline.ErrRetrieval, errors.New("no_chunks_retrieved"))
	}
	sort.Strings(prepared.Whitelist)

	prepared.TokenEstimate = p.estimate(prepared, docIndex)
	if prepared.TokenEstimate <= p.cfg.DirectTokenLimit {
		prepared.Mode = ModeDirect
		prepared.Context = p.assemble(prepared, docIndex, true)
	} else {
		prepared.Mode = ModeMapReduce
	}

	if len(prepared.Context) > p.cfg.ContextCharCap {
		prepared.Context = llms.TruncateMiddle(prepared.Context, p.cfg.ContextCharCap)
		prepared.Truncated = true
	}
	return prepared, nil
}

// retrieveSection unions hybrid results across the section's queries,
// applies the table bonus and the per-document diversity cap, and keeps
// the best MaxChunks.
func (p *Preparer) retrieveSection(ctx context.Context, spec SectionSpec, scope retrieval.Scope) ([]*chunks.Chunk, error) {
	type candidate struct {
		chunk *chunks.Chunk
		score float64
	}
	best := map[string]candidate{}

	for _, query := range spec.Queries {
		u := retrieval.Understanding{QueryType: retrieval.QueryGeneralQA, ReformulatedQuery: query}
		if spec.PreferTables {
			u.QueryType = retrieval.QueryDataExtraction
		}
		results, err := p.engine.Search(ctx, u, scope)
		if err != nil {
			return nil, fmt.Errorf("section %q query %q: %w", spec.Key, query, err)
		}
		for _, sc := range results {
			score := sc.Score
			if spec.PreferTables && sc.Chunk.Kind != chunks.KindNarrative {
				score *= 1 + p.cfg.TableBonus
			}
			if prev, ok := best[sc.Chunk.ChunkID]; !ok || score > prev.score {
				best[sc.Chunk.ChunkID] = candidate{chunk: sc.Chunk, score: score}
			}
		}
	}

	ranked := make([]candidate, 0, len(best))
	for _, c := range best {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].chunk.ChunkID < ranked[j].chunk.ChunkID
	})

	maxChunks := spec.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 8
	}
	perDoc := int(math.Ceil(p.cfg.DiversityShare * float64(maxChunks)))
	if perDoc < 1 {
		perDoc = 1
	}

	var selected []*chunks.Chunk
	docCounts := map[string]int{}
	// First pass honors the diversity cap; a second pass backfills from the
	// remainder when the cap left the section short.
	var overflow []*chunks.Chunk
	for _, c := range ranked {
		if len(selected) == maxChunks {
			break
		}
		if docCounts[c.chunk.DocumentID] >= perDoc {
			overflow = append(overflow, c.chunk)
			continue
		}
		docCounts[c.chunk.DocumentID]++
		selected = append(selected, c.chunk)
	}
	for _, c := range overflow {
		if len(selected) == maxChunks {
			break
		}
		selected = append(selected, c)
	}
	return selected, nil
}

// estimate approximates the token cost of the fully assembled context.
func (p *Preparer) estimate(prepared *PreparedContext, docIndex map[string]int) int {
	return p.counter.Estimate(p.assemble(prepared, docIndex, false))
}

// assemble renders the section groups into one context string. When
// compress is set, narrative chunks are reduced to their most relevant
// spans against the section's lead query.
func (p *Preparer) assemble(prepared *PreparedContext, docIndex map[string]int, compress bool) string {
	var b strings.Builder
	for _, section := range prepared.Sections {
		if len(section.Chunks) == 0 {
			continue
		}
		fmt.Fprintf(&b, "=== %s ===\n\n", section.Spec.Title)
		for _, c := range section.Chunks {
			token := citationToken(docIndex[c.DocumentID], citationPage(c))
			cite := prepared.Citations[token]
			fmt.Fprintf(&b, "%s (%s", token, cite.Filename)
			if c.SectionHeading != "" {
				fmt.Fprintf(&b, ", %s", c.SectionHeading)
			}
			b.WriteString(")\n")

			content := c.Content()
			if compress && len(section.Spec.Queries) > 0 {
				content = retrieval.CompressChunk(c, section.Spec.Queries[0], p.cfg.DirectTokenLimit/len(section.Chunks), p.counter)
			}
			b.WriteString(content)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func citationToken(docIdx, page int) string {
	return fmt.Sprintf("[D%d:p%d]", docIdx, page)
}

// citationPage prefers the bbox page so PDF highlighting lines up with
// physical pages.
func citationPage(c *chunks.Chunk) int {
	if c.BBox != nil && c.BBox.Page > 0 {
		return c.BBox.Page
	}
	if c.Page > 0 {
		return c.Page
	}
	return 1
}
