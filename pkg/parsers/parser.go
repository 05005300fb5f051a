// Package parsers defines the document parser boundary.
//
// The core never instantiates a parser directly: a Factory resolves the
// parser from the requested tier and PDF type. Cloud parsers (layout-aware
// OCR) live behind the same interface as the native text extractor.
package parsers

import (
	"context"
	"fmt"
)

// PDFType describes the document's content style, used for parser selection.
type PDFType string

const (
	PDFTypeText    PDFType = "text"    // digitally-born, extractable text
	PDFTypeScanned PDFType = "scanned" // image-only, needs OCR
	PDFTypeMixed   PDFType = "mixed"
)

// Tier selects parser quality/cost.
type Tier string

const (
	TierBasic   Tier = "basic"   // native text extraction, free
	TierPremium Tier = "premium" // layout-aware cloud parsing
)

// ParagraphRole tags a paragraph with its layout role.
type ParagraphRole string

const (
	RoleSectionHeading ParagraphRole = "sectionHeading"
	RoleTitle          ParagraphRole = "title"
	RolePageHeader     ParagraphRole = "pageHeader"
	RolePageFooter     ParagraphRole = "pageFooter"
	RolePageNumber     ParagraphRole = "pageNumber"
	RoleContent        ParagraphRole = ""
)

// Point is a coordinate on a page.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Paragraph is a text run with layout metadata.
type Paragraph struct {
	Text    string        `json:"text"`
	Role    ParagraphRole `json:"role,omitempty"`
	Page    int           `json:"page"`
	Polygon []Point       `json:"polygon,omitempty"`
}

// Table is a structured table extracted by the parser.
type Table struct {
	Page     int     `json:"page"`
	RowCount int     `json:"row_count"`
	ColCount int     `json:"col_count"`
	Markdown string  `json:"markdown"`
	Polygon  []Point `json:"polygon,omitempty"`
}

// KeyValue is a detected key-value pair (forms, cover sheets).
type KeyValue struct {
	Key          string  `json:"key"`
	Value        string  `json:"value"`
	Page         int     `json:"page"`
	KeyPolygon   []Point `json:"key_polygon,omitempty"`
	ValuePolygon []Point `json:"value_polygon,omitempty"`
}

// Page is a page's plain text.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Output is the normalized parser result consumed by the chunker.
type Output struct {
	Parser     string      `json:"parser"`
	Text       string      `json:"text"`
	Pages      []Page      `json:"pages"`
	Paragraphs []Paragraph `json:"paragraphs"`
	Tables     []Table     `json:"tables"`
	KeyValues  []KeyValue  `json:"key_values"`
	PageCount  int         `json:"page_count"`
	CostUSD    float64     `json:"cost_usd"`
}

// Parser extracts structured content from a document file.
type Parser interface {
	// Name identifies the parser in records and logs.
	Name() string

	// Parse reads the file at path and returns normalized output.
	Parse(ctx context.Context, path string, pdfType PDFType) (*Output, error)
}

// Factory resolves parsers by tier and PDF type. Entries are registered at
// startup; a missing entry is a configuration error, not a runtime surprise.
type Factory struct {
	parsers map[Tier]Parser
}

// NewFactory builds an empty factory.
func NewFactory() *Factory {
	return &Factory{parsers: make(map[Tier]Parser)}
}

// Register binds a parser to a tier.
func (f *Factory) Register(tier Tier, p Parser) {
	f.parsers[tier] = p
}

// Resolve returns the parser for the tier, falling back to basic for
// unsupported premium requests only when a basic parser exists and the
// document is digitally born.
func (f *Factory) Resolve(tier Tier, pdfType PDFType) (Parser, error) {
	if p, ok := f.parsers[tier]; ok {
		return p, nil
	}
	if tier == TierPremium && pdfType == PDFTypeText {
		if p, ok := f.parsers[TierBasic]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no parser registered for tier %q", tier)
}
