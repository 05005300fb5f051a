package parsers

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// NativePDFParser extracts text from digitally-born PDFs without OCR.
// It produces page texts and paragraph runs; tables and key-value pairs
// require a layout-aware parser and are left empty.
type NativePDFParser struct{}

// NewNativePDFParser returns the native parser.
func NewNativePDFParser() *NativePDFParser {
	return &NativePDFParser{}
}

func (p *NativePDFParser) Name() string { return "native" }

// Parse reads the PDF at path page by page.
func (p *NativePDFParser) Parse(ctx context.Context, path string, pdfType PDFType) (*Output, error) {
	if pdfType == PDFTypeScanned {
		return nil, fmt.Errorf("native parser cannot read scanned PDFs")
	}

	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	out := &Output{
		Parser:    p.Name(),
		PageCount: reader.NumPage(),
	}

	var full strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip unreadable pages rather than failing the document.
			continue
		}

		out.Pages = append(out.Pages, Page{Number: pageNum, Text: text})
		full.WriteString(text)
		full.WriteString("\n")

		for _, para := range splitParagraphs(text) {
			out.Paragraphs = append(out.Paragraphs, Paragraph{
				Text: para,
				Role: classifyParagraph(para),
				Page: pageNum,
			})
		}
	}

	out.Text = full.String()
	if strings.TrimSpace(out.Text) == "" {
		return nil, fmt.Errorf("PDF %q produced no extractable text", path)
	}
	return out, nil
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block != "" {
			paras = append(paras, block)
		}
	}
	return paras
}

// classifyParagraph applies cheap heuristics so native output still drives
// section grouping: short line, no terminal punctuation, title-ish casing.
func classifyParagraph(text string) ParagraphRole {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) == 0 || len(trimmed) > 80 {
		return RoleContent
	}
	if strings.ContainsAny(string(trimmed[len(trimmed)-1]), ".?!,;:") {
		return RoleContent
	}
	words := strings.Fields(trimmed)
	if len(words) > 10 {
		return RoleContent
	}
	upper := 0
	for _, w := range words {
		r := []rune(w)[0]
		if r >= 'A' && r <= 'Z' {
			upper++
		}
	}
	if upper*2 >= len(words) {
		return RoleSectionHeading
	}
	return RoleContent
}
