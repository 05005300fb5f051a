package chunks

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/parsers"
	"github.com/docquarry/quarry/pkg/tokens"
)

// sentenceEnd matches terminal punctuation followed by whitespace, the
// fallback split point for unstructured documents.
var sentenceEnd = regexp.MustCompile(`([.!?])\s+`)

// SectionChunker groups parser paragraphs into heading-scoped sections and
// emits narrative, table, and key_value chunks satisfying the model's
// linking invariants.
type SectionChunker struct {
	cfg     config.ChunkingConfig
	counter *tokens.Counter
}

// NewSectionChunker builds a chunker. The token counter is model-aware; a
// failure to load the encoding is a hard error since budgets depend on it.
func NewSectionChunker(cfg config.ChunkingConfig) (*SectionChunker, error) {
	cfg.SetDefaults()
	counter, err := tokens.NewCounter(cfg.TokenizerModel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token counter: %w", err)
	}
	return &SectionChunker{cfg: cfg, counter: counter}, nil
}

type section struct {
	id        string
	heading   string
	hierarchy []string
	ordinal   int
	firstPage int
	paras     []parsers.Paragraph
	tables    []parsers.Table
	seq       int // per-section chunk id sequence
}

// Chunk converts parser output into the document's chunk set.
func (sc *SectionChunker) Chunk(documentID string, out *parsers.Output) ([]*Chunk, error) {
	if out == nil || (len(out.Paragraphs) == 0 && len(out.Tables) == 0 && len(out.KeyValues) == 0) {
		return nil, fmt.Errorf("parser output has no content for document %s", documentID)
	}

	sections := sc.groupSections(out)
	assignTables(sections, out.Tables)

	var all []*Chunk
	index := 0
	for _, sec := range sections {
		narr := sc.emitNarratives(documentID, sec, &index)
		tabs := sc.emitTables(documentID, sec, narr, &index)
		secChunks := append(narr, tabs...)
		linkSiblings(secChunks)
		all = append(all, secChunks...)
	}

	kvChunks := sc.emitKeyValues(documentID, out.KeyValues, &index)
	for _, group := range groupBySection(kvChunks) {
		linkSiblings(group)
	}
	all = append(all, kvChunks...)

	if len(all) == 0 {
		return nil, fmt.Errorf("chunking produced no chunks for document %s", documentID)
	}
	return all, nil
}

// groupSections walks paragraphs in order: a sectionHeading opens a new
// section, titles and content attach to the current one, page furniture is
// dropped. Documents without any heading collapse into a single section.
func (sc *SectionChunker) groupSections(out *parsers.Output) []*section {
	var docTitle string
	var sections []*section
	current := &section{id: SectionIDFor("", 0), ordinal: 0, firstPage: 1}

	for _, para := range out.Paragraphs {
		switch para.Role {
		case parsers.RolePageHeader, parsers.RolePageFooter, parsers.RolePageNumber:
			continue
		case parsers.RoleTitle:
			if docTitle == "" && len(sections) == 0 && len(current.paras) == 0 {
				docTitle = strings.TrimSpace(para.Text)
				continue
			}
			current.paras = append(current.paras, para)
		case parsers.RoleSectionHeading:
			if len(current.paras) > 0 || current.heading != "" {
				sections = append(sections, current)
			}
			ordinal := len(sections)
			heading := strings.TrimSpace(para.Text)
			current = &section{
				id:        SectionIDFor(heading, ordinal),
				heading:   heading,
				ordinal:   ordinal,
				firstPage: para.Page,
			}
		default:
			if len(current.paras) == 0 && current.heading == "" && current.firstPage == 1 && para.Page > 0 {
				current.firstPage = para.Page
			}
			current.paras = append(current.paras, para)
		}
	}
	if len(current.paras) > 0 || current.heading != "" {
		sections = append(sections, current)
	}

	for _, sec := range sections {
		if docTitle != "" && docTitle != sec.heading {
			if sec.heading != "" {
				sec.hierarchy = []string{docTitle, sec.heading}
			} else {
				sec.hierarchy = []string{docTitle}
			}
		} else if sec.heading != "" {
			sec.hierarchy = []string{sec.heading}
		}
	}
	return sections
}

// assignTables attaches each table to the last section that starts at or
// before the table's page.
func assignTables(sections []*section, tables []parsers.Table) {
	for _, tbl := range tables {
		var target *section
		for _, sec := range sections {
			if sec.firstPage <= tbl.Page {
				target = sec
			}
		}
		if target == nil && len(sections) > 0 {
			target = sections[0]
		}
		if target != nil {
			target.tables = append(target.tables, tbl)
		}
	}
}

// emitNarratives renders a section's paragraphs into one chunk when it fits
// the token budget, or a continuation chain split at paragraph boundaries.
func (sc *SectionChunker) emitNarratives(documentID string, sec *section, index *int) []*Chunk {
	if len(sec.paras) == 0 {
		return nil
	}

	pieces := sc.packParagraphs(sec.paras)
	total := len(pieces)
	chunks := make([]*Chunk, 0, total)
	var prevID string

	for i, piece := range pieces {
		sec.seq++
		text := piece.text
		if sec.heading != "" {
			text = sec.heading + "\n\n" + text
		}

		ch := &Chunk{
			ChunkID:          ID(sec.id, sec.seq, KindNarrative),
			DocumentID:       documentID,
			Index:            *index,
			Text:             text,
			Kind:             KindNarrative,
			Page:             piece.pageStart,
			PageStart:        piece.pageStart,
			PageEnd:          piece.pageEnd,
			SectionID:        sec.id,
			SectionHeading:   sec.heading,
			HeadingHierarchy: sec.hierarchy,
			Sequence:         i + 1,
			TotalInSection:   total,
			TokenCount:       sc.counter.Count(text),
			BBox:             piece.bbox,
		}
		if i > 0 {
			ch.IsContinuation = true
			ch.ParentChunkID = prevID
		}
		prevID = ch.ChunkID
		*index++
		chunks = append(chunks, ch)
	}
	return chunks
}

type paragraphPiece struct {
	text      string
	pageStart int
	pageEnd   int
	bbox      *BBox
}

// packParagraphs greedily fills the token budget at paragraph boundaries.
// A single paragraph larger than the budget is split at sentence boundaries.
func (sc *SectionChunker) packParagraphs(paras []parsers.Paragraph) []paragraphPiece {
	budget := sc.cfg.MaxTokens

	var pieces []paragraphPiece
	var cur paragraphPiece
	curTokens := 0

	flush := func() {
		if strings.TrimSpace(cur.text) != "" {
			pieces = append(pieces, cur)
		}
		cur = paragraphPiece{}
		curTokens = 0
	}

	appendText := func(text string, page int, polygon []parsers.Point, nTokens int) {
		if cur.text == "" {
			cur.pageStart = page
		} else {
			cur.text += "\n\n"
		}
		cur.text += text
		cur.pageEnd = page
		// Narrative bbox covers the first page's paragraphs only.
		if box := BBoxFromPolygon(page, polygon); box != nil && (cur.bbox == nil || box.Page == cur.bbox.Page) {
			cur.bbox = unionBBox(cur.bbox, box)
		}
		curTokens += nTokens
	}

	for _, para := range paras {
		text := strings.TrimSpace(para.Text)
		if text == "" {
			continue
		}
		n := sc.counter.Count(text)

		if n > budget {
			flush()
			for _, sent := range sc.splitSentences(text, budget) {
				appendText(sent, para.Page, para.Polygon, sc.counter.Count(sent))
				flush()
			}
			continue
		}
		if curTokens+n > budget && curTokens > 0 {
			flush()
		}
		appendText(text, para.Page, para.Polygon, n)
	}
	flush()
	return pieces
}

// SplitSentences splits text at terminal punctuation, dropping empties.
func SplitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	var out []string
	for _, sent := range strings.Split(marked, "\x00") {
		if sent = strings.TrimSpace(sent); sent != "" {
			out = append(out, sent)
		}
	}
	return out
}

// splitSentences splits oversize text at sentence boundaries into pieces
// that each fit the budget.
func (sc *SectionChunker) splitSentences(text string, budget int) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	sentences := strings.Split(marked, "\x00")

	var out []string
	var cur strings.Builder
	curTokens := 0
	for _, sent := range sentences {
		sent = strings.TrimSpace(sent)
		if sent == "" {
			continue
		}
		n := sc.counter.Count(sent)
		if curTokens+n > budget && curTokens > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curTokens = 0
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(sent)
		curTokens += n
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// emitTables renders each of a section's tables as a table chunk linked
// bidirectionally to the nearest preceding narrative chunk.
func (sc *SectionChunker) emitTables(documentID string, sec *section, narratives []*Chunk, index *int) []*Chunk {
	var out []*Chunk
	for _, tbl := range sec.tables {
		sec.seq++

		// Nearest narrative at or before the table's page; fall back to the
		// section's last narrative.
		var anchor *Chunk
		for _, n := range narratives {
			if n.PageStart <= tbl.Page {
				anchor = n
			}
		}
		if anchor == nil && len(narratives) > 0 {
			anchor = narratives[len(narratives)-1]
		}

		contextText := ""
		if anchor != nil {
			contextText = FirstSentence(anchor.Text, 200)
		} else if sec.heading != "" {
			contextText = sec.heading
		}

		ch := &Chunk{
			ChunkID:          ID(sec.id, sec.seq, KindTable),
			DocumentID:       documentID,
			Index:            *index,
			Text:             contextText,
			TableText:        tbl.Markdown,
			Kind:             KindTable,
			Page:             tbl.Page,
			PageStart:        tbl.Page,
			PageEnd:          tbl.Page,
			SectionID:        sec.id,
			SectionHeading:   sec.heading,
			HeadingHierarchy: sec.hierarchy,
			RowCount:         tbl.RowCount,
			ColCount:         tbl.ColCount,
			BBox:             BBoxFromPolygon(tbl.Page, tbl.Polygon),
		}
		ch.TokenCount = sc.counter.Count(ch.Content())
		if anchor != nil {
			ch.LinkedNarrativeID = anchor.ChunkID
			anchor.LinkedTableIDs = append(anchor.LinkedTableIDs, ch.ChunkID)
		}
		*index++
		out = append(out, ch)
	}
	return out
}

// emitKeyValues packs pairs into key_value chunks, grouped by adjacent
// pages, up to the configured pair cap per chunk.
func (sc *SectionChunker) emitKeyValues(documentID string, pairs []parsers.KeyValue, index *int) []*Chunk {
	if len(pairs) == 0 {
		return nil
	}
	pairCap := sc.cfg.KeyValuePairsPerChunk

	var groups [][]parsers.KeyValue
	var cur []parsers.KeyValue
	lastPage := -1
	for _, kv := range pairs {
		adjacent := lastPage < 0 || kv.Page <= lastPage+1
		if !adjacent || len(cur) >= pairCap {
			if len(cur) > 0 {
				groups = append(groups, cur)
			}
			cur = nil
		}
		cur = append(cur, kv)
		lastPage = kv.Page
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}

	var out []*Chunk
	for gi, group := range groups {
		sectionID := fmt.Sprintf("kv%02d", gi)
		var sb strings.Builder
		chPairs := make([]KeyValuePair, 0, len(group))
		pageStart, pageEnd := group[0].Page, group[0].Page
		for _, kv := range group {
			fmt.Fprintf(&sb, "%s: %s\n", kv.Key, kv.Value)
			pair := KeyValuePair{Key: kv.Key, Value: kv.Value}
			if box := BBoxFromPolygon(kv.Page, append(append([]parsers.Point{}, kv.KeyPolygon...), kv.ValuePolygon...)); box != nil {
				pair.BBox = box
			}
			chPairs = append(chPairs, pair)
			if kv.Page < pageStart {
				pageStart = kv.Page
			}
			if kv.Page > pageEnd {
				pageEnd = kv.Page
			}
		}

		text := sb.String()
		ch := &Chunk{
			ChunkID:    ID(sectionID, 1, KindKeyValue),
			DocumentID: documentID,
			Index:      *index,
			Text:       text,
			Kind:       KindKeyValue,
			Page:       pageStart,
			PageStart:  pageStart,
			PageEnd:    pageEnd,
			SectionID:  sectionID,
			KeyValues:  chPairs,
			TokenCount: sc.counter.Count(text),
		}
		*index++
		out = append(out, ch)
	}
	return out
}

// linkSiblings fills each chunk's sibling list with the other chunk ids of
// its section.
func linkSiblings(secChunks []*Chunk) {
	if len(secChunks) < 2 {
		return
	}
	ids := make([]string, len(secChunks))
	for i, c := range secChunks {
		ids[i] = c.ChunkID
	}
	for i, c := range secChunks {
		sibs := make([]string, 0, len(ids)-1)
		sibs = append(sibs, ids[:i]...)
		sibs = append(sibs, ids[i+1:]...)
		c.SiblingChunkIDs = sibs
	}
}

func groupBySection(chunkList []*Chunk) map[string][]*Chunk {
	groups := make(map[string][]*Chunk)
	for _, c := range chunkList {
		groups[c.SectionID] = append(groups[c.SectionID], c)
	}
	return groups
}
