// Package workflow executes versioned document-synthesis templates:
// section-scoped retrieval, context assembly with citation tokens,
// schema-constrained generation, and citation validation.
package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/store"
)

// SectionSpec is one entry of a template's retrieval spec.
type SectionSpec struct {
	Key          string   `json:"key"`
	Title        string   `json:"title"`
	Queries      []string `json:"queries"`
	PreferTables bool     `json:"prefer_tables"`
	MaxChunks    int      `json:"max_chunks"`
	Priority     int      `json:"priority"`
}

// VariableSpec declares a typed template variable.
type VariableSpec struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"` // "string" | "number" | "boolean" | "enum"
	Default  interface{} `json:"default,omitempty"`
	Required bool        `json:"required,omitempty"`
	Enum     []string    `json:"enum,omitempty"`
}

// Template is a decoded WorkflowTemplate ready for execution.
type Template struct {
	ID           string
	Name         string
	Domain       string
	Version      int
	Generator    string
	Sections     []SectionSpec
	Variables    []VariableSpec
	MinDocuments int
	MaxDocuments int
}

// DecodeTemplate parses the JSON columns of a stored template.
func DecodeTemplate(rec *store.WorkflowTemplate) (*Template, error) {
	t := &Template{
		ID:           rec.ID,
		Name:         rec.Name,
		Domain:       rec.Domain,
		Version:      rec.Version,
		Generator:    rec.Generator,
		MinDocuments: rec.MinDocuments,
		MaxDocuments: rec.MaxDocuments,
	}
	if rec.RetrievalJSON != "" {
		if err := json.Unmarshal([]byte(rec.RetrievalJSON), &t.Sections); err != nil {
			return nil, fmt.Errorf("failed to decode retrieval spec for template %s: %w", rec.ID, err)
		}
	}
	if rec.VariablesJSON != "" {
		if err := json.Unmarshal([]byte(rec.VariablesJSON), &t.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables for template %s: %w", rec.ID, err)
		}
	}
	return t, nil
}

// ResolveVariables merges provided values over declared defaults and
// enforces required and enum constraints.
func (t *Template) ResolveVariables(provided map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(t.Variables))
	for _, spec := range t.Variables {
		value, ok := provided[spec.Name]
		if !ok || value == nil {
			if spec.Required && spec.Default == nil {
				return nil, fmt.Errorf("required variable %q not provided", spec.Name)
			}
			value = spec.Default
		}
		if len(spec.Enum) > 0 && value != nil {
			s, _ := value.(string)
			valid := false
			for _, allowed := range spec.Enum {
				if s == allowed {
					valid = true
					break
				}
			}
			if !valid {
				return nil, fmt.Errorf("variable %q value %v not in %v", spec.Name, value, spec.Enum)
			}
		}
		if value != nil {
			out[spec.Name] = value
		}
	}
	return out, nil
}

// Citation records everything the UI needs to render one citation token.
type Citation struct {
	Token            string       `json:"token"`
	ChunkID          string       `json:"chunk_id"`
	DocumentID       string       `json:"document_id"`
	DocIndex         int          `json:"doc_index"`
	Filename         string       `json:"filename"`
	Page             int          `json:"page"`
	SectionHeading   string       `json:"section_heading,omitempty"`
	Snippet          string       `json:"snippet,omitempty"`
	HeadingHierarchy []string     `json:"heading_hierarchy,omitempty"`
	BBox             *chunks.BBox `json:"bbox,omitempty"`
}

// SectionContext groups a section's selected chunks for map-reduce.
type SectionContext struct {
	Spec   SectionSpec
	Chunks []*chunks.Chunk
}

// Mode selects the generation strategy.
const (
	ModeDirect    = "direct"
	ModeMapReduce = "map_reduce"
)

// PreparedContext is the output of context preparation.
type PreparedContext struct {
	Mode          string
	Context       string // assembled string, direct mode
	Sections      []SectionContext
	Citations     map[string]Citation // token -> metadata
	Whitelist     []string            // tokens present in the context
	TokenEstimate int
	Truncated     bool
}
