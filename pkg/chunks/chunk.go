// Package chunks defines the retrieval unit model and the section chunker
// that turns parser output into chunks.
package chunks

import (
	"fmt"
	"strings"
)

// Kind distinguishes chunk content types.
type Kind string

const (
	KindNarrative Kind = "narrative"
	KindTable     Kind = "table"
	KindKeyValue  Kind = "key_value"
)

// BBox is an axis-aligned rectangle on a page, for highlight rendering.
type BBox struct {
	Page int     `json:"page"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// KeyValuePair is one pair inside a key_value chunk. Each pair keeps its own
// bbox so the UI can highlight individual values.
type KeyValuePair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	BBox  *BBox  `json:"bbox,omitempty"`
}

// Chunk is an immutable retrieval unit. Once written to the store it is
// never mutated; re-ingestion replaces the document's chunks wholesale.
type Chunk struct {
	// ChunkID is unique per document, structured "{section}_{seq}_{kind}".
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`

	Text      string `json:"text"`
	TableText string `json:"table_text,omitempty"`
	Kind      Kind   `json:"kind"`

	Page      int `json:"page"`
	PageStart int `json:"page_start"`
	PageEnd   int `json:"page_end"`

	SectionID        string   `json:"section_id"`
	SectionHeading   string   `json:"section_heading,omitempty"`
	HeadingHierarchy []string `json:"heading_hierarchy,omitempty"`

	// Continuation linkage inside an oversize section.
	IsContinuation bool   `json:"is_continuation,omitempty"`
	ParentChunkID  string `json:"parent_chunk_id,omitempty"`
	Sequence       int    `json:"sequence,omitempty"`
	TotalInSection int    `json:"total_in_section,omitempty"`

	// Cross-chunk links, always by id (never pointers).
	SiblingChunkIDs   []string `json:"sibling_chunk_ids,omitempty"`
	LinkedNarrativeID string   `json:"linked_narrative_id,omitempty"`
	LinkedTableIDs    []string `json:"linked_table_ids,omitempty"`

	// Table shape, for table chunks.
	RowCount int `json:"row_count,omitempty"`
	ColCount int `json:"col_count,omitempty"`

	KeyValues []KeyValuePair `json:"key_values,omitempty"`

	TokenCount int   `json:"token_count"`
	BBox       *BBox `json:"bbox,omitempty"`
}

// Ref is the short reference shown to clients: the first 8 chars of the id.
func (c *Chunk) Ref() string {
	if len(c.ChunkID) <= 8 {
		return c.ChunkID
	}
	return c.ChunkID[:8]
}

// Content returns the text used for search and LLM context. Table chunks
// return the rendered table with its narrative lead-in.
func (c *Chunk) Content() string {
	if c.Kind == KindTable && c.TableText != "" {
		if c.Text != "" {
			return c.Text + "\n" + c.TableText
		}
		return c.TableText
	}
	return c.Text
}

// ID builds a structured chunk id.
func ID(sectionID string, seq int, kind Kind) string {
	return fmt.Sprintf("%s_%d_%s", sectionID, seq, kind)
}

// SectionIDFor derives a stable section id from a heading and ordinal.
func SectionIDFor(heading string, ordinal int) string {
	slug := strings.ToLower(strings.TrimSpace(heading))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '_'
		default:
			return -1
		}
	}, slug)
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "section"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return fmt.Sprintf("s%02d_%s", ordinal, slug)
}

// FirstSentence returns the first sentence of text, capped at max runes.
// Used for citation snippets.
func FirstSentence(text string, max int) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if i+1 <= len(text) {
				text = text[:i+1]
			}
			break
		}
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return text
}
