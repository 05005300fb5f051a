package chat

import (
	"strings"

	"github.com/docquarry/quarry/pkg/store"
)

// MatchDocuments returns the session documents whose filename contains any
// of the extracted entities, case-insensitive after normalization. Used to
// work out which documents the user wants to compare.
func MatchDocuments(entities []string, docs []*store.Document) []*store.Document {
	var out []*store.Document
	seen := map[string]bool{}
	for _, doc := range docs {
		name := normalizeName(doc.Filename)
		for _, entity := range entities {
			needle := normalizeName(entity)
			if needle == "" {
				continue
			}
			if strings.Contains(name, needle) && !seen[doc.ID] {
				seen[doc.ID] = true
				out = append(out, doc)
				break
			}
		}
	}
	return out
}

// normalizeName lowercases and strips separators and the extension so
// "Q3_Report-2024.pdf" matches "q3 report 2024".
func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if dot := strings.LastIndex(s, "."); dot > 0 && len(s)-dot <= 5 {
		s = s[:dot]
	}
	replacer := strings.NewReplacer("_", " ", "-", " ", ".", " ")
	s = replacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
