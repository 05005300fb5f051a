package chat

import (
	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/llms"
)

// EventType tags events on the chat stream.
type EventType string

const (
	EventText                EventType = "text"
	EventComparisonSelection EventType = "comparison_selection"
	EventComparisonContext   EventType = "comparison_context"
	EventCitations           EventType = "citations"
	EventUsage               EventType = "usage"
	EventError               EventType = "error"
	EventEnd                 EventType = "end"
)

// Event is one server-sent event on a chat stream. Exactly one payload
// field is set per event, and the stream always terminates with EventEnd,
// including after an error.
type Event struct {
	Type       EventType          `json:"type"`
	Text       string             `json:"text,omitempty"`
	Selection  *SelectionRequest  `json:"selection,omitempty"`
	Comparison *ComparisonContext `json:"comparison,omitempty"`
	Citations  []CitationRef      `json:"citations,omitempty"`
	Usage      *llms.Usage        `json:"usage,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// SelectionRequest asks the client to narrow a comparison to at most
// MaxDocs documents before the pipeline continues.
type SelectionRequest struct {
	Options     []ComparisonDoc `json:"options"`
	Preselected []string        `json:"preselected"`
	MaxDocs     int             `json:"max_docs"`
}

// CitationRef is one source the answer drew on. BBox, when present, locates
// the source region for PDF highlighting.
type CitationRef struct {
	Ref            string       `json:"ref"` // short chunk reference
	ChunkID        string       `json:"chunk_id"`
	DocumentID     string       `json:"document_id"`
	Filename       string       `json:"filename,omitempty"`
	Page           int          `json:"page"`
	BBox           *chunks.BBox `json:"bbox,omitempty"`
	SectionHeading string       `json:"section_heading,omitempty"`
	Snippet        string       `json:"snippet"`
}
