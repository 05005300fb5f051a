// Package templatefill drives the excel template-fill pipeline: scan a
// workbook, detect fillable fields, auto-map values from the user's
// documents, and write the filled workbook after review.
package templatefill

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
)

// CellText is one non-empty cell found by the workbook scan.
type CellText struct {
	Sheet string `json:"sheet"`
	Cell  string `json:"cell"`
	Row   int    `json:"row"`
	Col   int    `json:"col"`
	Text  string `json:"text"`
}

// Field is a detected label/value pair: the label cell carries the prompt
// text, the value cell is where the answer goes.
type Field struct {
	Key       string `json:"key"`
	Sheet     string `json:"sheet"`
	LabelCell string `json:"label_cell"`
	ValueCell string `json:"value_cell"`
	Label     string `json:"label"`
}

// ScanWorkbook lists every non-empty cell, sheet by sheet.
func ScanWorkbook(f *excelize.File) ([]CellText, error) {
	var cells []CellText
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
		}
		for r, row := range rows {
			for c, text := range row {
				if strings.TrimSpace(text) == "" {
					continue
				}
				cell, err := excelize.CoordinatesToCellName(c+1, r+1)
				if err != nil {
					return nil, err
				}
				cells = append(cells, CellText{
					Sheet: sheet, Cell: cell, Row: r + 1, Col: c + 1,
					Text: strings.TrimSpace(text),
				})
			}
		}
	}
	return cells, nil
}

// DetectFields applies label heuristics to the scan: a cell reads as a
// label when its text is short and non-numeric and the cell to its right
// is empty. Text ending in a colon is always a label.
func DetectFields(cells []CellText) []Field {
	occupied := map[string]bool{}
	for _, c := range cells {
		occupied[fmt.Sprintf("%s!%d:%d", c.Sheet, c.Row, c.Col)] = true
	}

	var fields []Field
	seen := map[string]bool{}
	for _, c := range cells {
		if !looksLikeLabel(c.Text) {
			continue
		}
		if occupied[fmt.Sprintf("%s!%d:%d", c.Sheet, c.Row, c.Col+1)] {
			continue
		}
		valueCell, err := excelize.CoordinatesToCellName(c.Col+1, c.Row)
		if err != nil {
			continue
		}
		key := fieldKey(c.Text)
		if key == "" || seen[c.Sheet+"!"+key] {
			continue
		}
		seen[c.Sheet+"!"+key] = true
		fields = append(fields, Field{
			Key:       key,
			Sheet:     c.Sheet,
			LabelCell: c.Cell,
			ValueCell: valueCell,
			Label:     strings.TrimSuffix(c.Text, ":"),
		})
	}
	return fields
}

func looksLikeLabel(text string) bool {
	if strings.HasSuffix(text, ":") {
		return true
	}
	words := strings.Fields(text)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	// Pure numbers and dates are values, not labels.
	hasLetter := false
	for _, r := range text {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	return hasLetter
}

func fieldKey(label string) string {
	label = strings.TrimSuffix(strings.TrimSpace(label), ":")
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '/':
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
