// Package extraction runs document ingestion and one-shot structured
// extraction as staged pipeline chains.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/databases"
	"github.com/docquarry/quarry/pkg/embedders"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/parsers"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

// Chain names registered with the worker.
const (
	ChainIngest  = "ingest"
	ChainExtract = "extract"
)

// Payload var keys shared across stages.
const (
	varDocumentID   = "document_id"
	varExtractionID = "extraction_id"
	varFilePath     = "file_path"
	varPDFType      = "pdf_type"
	varTier         = "tier"
	varParseKey     = "intermediate:parse"
	varSummaryKey   = "intermediate:summarize"
)

// Deps are the shared dependencies of every stage.
type Deps struct {
	Store     *store.Store
	Artifacts *storage.Store
	Vectors   databases.VectorStore
	Embedder  embedders.Embedder
	Parsers   *parsers.Factory
	Chunker   *chunks.SectionChunker
	Client    llms.Client

	Model      string
	CheapModel string
}

// IngestChain drives a document from upload to searchable:
// parse -> chunk -> embed.
func IngestChain(d *Deps) *pipeline.Chain {
	return &pipeline.Chain{
		Name: ChainIngest,
		Stages: []pipeline.Stage{
			{Name: "parse", Progress: 10, Run: d.parse},
			{Name: "chunk", Progress: 50, Run: d.chunk},
			{Name: "embed", Progress: 80, Run: d.embed},
		},
		OnFailure: func(ctx context.Context, p *pipeline.Payload, err *pipeline.StageError) {
			_ = d.Store.UpdateDocumentStatus(ctx, p.Get(varDocumentID), store.DocFailed, err.Error())
		},
	}
}

// ExtractChain ingests and then extracts structured facts:
// parse -> chunk -> summarize -> extract_structured -> store_result.
func ExtractChain(d *Deps) *pipeline.Chain {
	return &pipeline.Chain{
		Name: ChainExtract,
		Stages: []pipeline.Stage{
			{Name: "parse", Progress: 10, Run: d.parse},
			{Name: "chunk", Progress: 30, Run: d.chunk},
			{Name: "summarize", Progress: 50, Run: d.summarize},
			{Name: "extract_structured", Progress: 75, Run: d.extractStructured},
			{Name: "store_result", Progress: 95, Run: d.storeResult},
		},
		OnFailure: func(ctx context.Context, p *pipeline.Payload, err *pipeline.StageError) {
			_ = d.Store.UpdateExtractionStatus(ctx, p.Get(varExtractionID), store.RunFailed, err.Error())
		},
	}
}

// parse resolves a parser, runs it, persists the parse artifact, and bumps
// the user's page counters.
func (d *Deps) parse(ctx context.Context, p *pipeline.Payload) error {
	docID := p.Get(varDocumentID)
	doc, err := d.Store.Document(ctx, docID)
	if err != nil {
		return pipeline.Fail("parse", pipeline.ErrStorage, err)
	}
	if err := d.Store.UpdateDocumentStatus(ctx, docID, store.DocParsing, ""); err != nil {
		return pipeline.Fail("parse", pipeline.ErrStorage, err)
	}

	tier := parsers.Tier(p.Get(varTier))
	if tier == "" {
		tier = parsers.TierBasic
	}
	pdfType := parsers.PDFType(p.Get(varPDFType))
	if pdfType == "" {
		pdfType = parsers.PDFTypeText
	}
	parser, err := d.Parsers.Resolve(tier, pdfType)
	if err != nil {
		return pipeline.Fail("parse", pipeline.ErrConfiguration, err)
	}

	out, err := parser.Parse(ctx, p.Get(varFilePath), pdfType)
	if err != nil {
		return pipeline.Fail("parse", pipeline.ErrParse, err)
	}
	if strings.TrimSpace(out.Text) == "" && len(out.Paragraphs) == 0 {
		return pipeline.Fail("parse", pipeline.ErrParse, fmt.Errorf("document produced no text"))
	}

	key := fmt.Sprintf("parses/%s/parse.json", docID)
	ptr, err := d.Artifacts.PutJSON(ctx, key, out)
	if err != nil {
		return pipeline.Fail("parse", pipeline.ErrStorage, err)
	}
	if err := d.Store.UpdateDocumentParse(ctx, docID, parser.Name(), out.PageCount, ptr); err != nil {
		return pipeline.Fail("parse", pipeline.ErrStorage, err)
	}
	if err := d.Store.AddUserPages(ctx, doc.UserID, out.PageCount); err != nil {
		return pipeline.Fail("parse", pipeline.ErrStorage, err)
	}

	p.Set(varParseKey, encodePtr(ptr))
	return nil
}

// chunk rebuilds the document's chunks from the parse artifact. Replaces
// any prior chunk set wholesale.
func (d *Deps) chunk(ctx context.Context, p *pipeline.Payload) error {
	docID := p.Get(varDocumentID)
	if err := d.Store.UpdateDocumentStatus(ctx, docID, store.DocChunking, ""); err != nil {
		return pipeline.Fail("chunk", pipeline.ErrStorage, err)
	}

	out, err := d.loadParse(ctx, docID, p)
	if err != nil {
		return pipeline.Fail("chunk", pipeline.ErrStorage, err)
	}

	chunkSet, err := d.Chunker.Chunk(docID, out)
	if err != nil {
		return pipeline.Fail("chunk", pipeline.ErrParse, err)
	}
	if len(chunkSet) == 0 {
		return pipeline.Fail("chunk", pipeline.ErrParse, fmt.Errorf("chunker produced no chunks"))
	}
	if err := d.Store.PutChunks(ctx, docID, chunkSet); err != nil {
		return pipeline.Fail("chunk", pipeline.ErrStorage, err)
	}
	return nil
}

// embed encodes chunk contents and upserts them into the vector store with
// the payload fields dense search filters on.
func (d *Deps) embed(ctx context.Context, p *pipeline.Payload) error {
	docID := p.Get(varDocumentID)
	if err := d.Store.UpdateDocumentStatus(ctx, docID, store.DocEmbedding, ""); err != nil {
		return pipeline.Fail("embed", pipeline.ErrStorage, err)
	}

	chunkSet, err := d.Store.DocumentChunks(ctx, docID)
	if err != nil {
		return pipeline.Fail("embed", pipeline.ErrStorage, err)
	}

	texts := make([]string, len(chunkSet))
	for i, c := range chunkSet {
		texts[i] = c.Content()
	}
	vectors, err := d.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return pipeline.Fail("embed", pipeline.ErrLLM, err)
	}

	for i, c := range chunkSet {
		err := d.Vectors.Upsert(ctx, c.ChunkID, vectors[i], map[string]interface{}{
			"chunk_id":    c.ChunkID,
			"document_id": c.DocumentID,
			"page":        c.Page,
			"kind":        string(c.Kind),
		})
		if err != nil {
			return pipeline.Fail("embed", pipeline.ErrStorage, err)
		}
	}

	if err := d.Store.UpdateDocumentStatus(ctx, docID, store.DocCompleted, ""); err != nil {
		return pipeline.Fail("embed", pipeline.ErrStorage, err)
	}
	return nil
}

// documentSummary is the summarize stage's intermediate artifact. The
// expensive part of an extraction run; retries resume from it.
type documentSummary struct {
	DocumentID string   `json:"document_id"`
	Summary    string   `json:"summary"`
	KeyFacts   []string `json:"key_facts,omitempty"`
	Tables     []string `json:"tables,omitempty"`
}

const summarizeSystem = `Summarize this document for a downstream data-extraction step. Respond with JSON:
{"summary": a thorough summary preserving every concrete figure, name, date, and defined term,
 "key_facts": the specific facts worth preserving verbatim,
 "tables": one-line descriptions of each table and what it contains}`

const summaryCharCap = 200000

func (d *Deps) summarize(ctx context.Context, p *pipeline.Payload) error {
	extID := p.Get(varExtractionID)
	docID := p.Get(varDocumentID)
	if err := d.Store.UpdateExtractionStatus(ctx, extID, store.RunProcessing, ""); err != nil {
		return pipeline.Fail("summarize", pipeline.ErrStorage, err)
	}

	chunkSet, err := d.Store.DocumentChunks(ctx, docID)
	if err != nil {
		return pipeline.Fail("summarize", pipeline.ErrStorage, err)
	}

	var b strings.Builder
	for _, c := range chunkSet {
		b.WriteString(c.Content())
		b.WriteString("\n\n")
	}
	body := llms.TruncateMiddle(b.String(), summaryCharCap)

	result, err := d.Client.CompleteJSON(ctx, llms.Request{
		Model:     d.CheapModel,
		System:    summarizeSystem,
		Messages:  []llms.Message{{Role: "user", Content: body}},
		MaxTokens: 4096,
		Timeout:   120 * time.Second,
	})
	if err != nil {
		return pipeline.Fail("summarize", pipeline.ErrLLM, err)
	}

	summary := documentSummary{DocumentID: docID}
	summary.Summary, _ = result.Parsed["summary"].(string)
	summary.KeyFacts = stringSlice(result.Parsed["key_facts"])
	summary.Tables = stringSlice(result.Parsed["tables"])
	if summary.Summary == "" {
		return pipeline.Fail("summarize", pipeline.ErrLLM, fmt.Errorf("summarizer returned no summary"))
	}

	key := fmt.Sprintf("extractions/%s/summary.json", extID)
	ptr, err := d.Artifacts.PutJSON(ctx, key, &summary)
	if err != nil {
		return pipeline.Fail("summarize", pipeline.ErrStorage, err)
	}
	p.Set(varSummaryKey, encodePtr(ptr))
	d.recordUsage(ctx, extID, result.Usage)
	return nil
}

const extractSystem = `Extract the document's structured facts from the summary below. Respond with JSON:
{"document_type": contract, financial report, pitch deck, invoice, or similar,
 "parties": the organizations and people involved,
 "dates": {label: ISO date} for every material date,
 "financials": {label: value} for every figure (amounts, percentages, counts),
 "terms": {label: text} for defined terms and obligations,
 "summary": two sentences describing the document}
Include only facts actually present. Use null for unknown single values.`

func (d *Deps) extractStructured(ctx context.Context, p *pipeline.Payload) error {
	extID := p.Get(varExtractionID)

	var summary documentSummary
	if err := d.Artifacts.GetJSON(ctx, decodePtr(p.Get(varSummaryKey)), &summary); err != nil {
		return pipeline.Fail("extract_structured", pipeline.ErrStorage, err)
	}

	rec, err := d.Store.Extraction(ctx, extID)
	if err != nil {
		return pipeline.Fail("extract_structured", pipeline.ErrStorage, err)
	}

	var b strings.Builder
	b.WriteString("Summary:\n")
	b.WriteString(summary.Summary)
	if len(summary.KeyFacts) > 0 {
		b.WriteString("\n\nKey facts:\n")
		for _, f := range summary.KeyFacts {
			b.WriteString("- " + f + "\n")
		}
	}
	if rec.Context != "" {
		b.WriteString("\nUser guidance: " + rec.Context)
	}

	result, err := d.Client.CompleteJSON(ctx, llms.Request{
		Model:       d.Model,
		System:      extractSystem,
		CacheSystem: true,
		Messages:    []llms.Message{{Role: "user", Content: b.String()}},
		MaxTokens:   4096,
		Timeout:     120 * time.Second,
	})
	if err != nil {
		return pipeline.Fail("extract_structured", pipeline.ErrLLM, err)
	}

	raw, err := json.Marshal(result.Parsed)
	if err != nil {
		return pipeline.Fail("extract_structured", pipeline.ErrSchema, err)
	}
	p.Set("facts", string(raw))
	d.recordUsage(ctx, extID, result.Usage)
	return nil
}

// storeResult persists the facts artifact, completes the record, and seeds
// the cache for duplicate submissions.
func (d *Deps) storeResult(ctx context.Context, p *pipeline.Payload) error {
	extID := p.Get(varExtractionID)
	rec, err := d.Store.Extraction(ctx, extID)
	if err != nil {
		return pipeline.Fail("store_result", pipeline.ErrStorage, err)
	}

	key := fmt.Sprintf("extractions/%s/facts.json", extID)
	ptr, err := d.Artifacts.Put(ctx, key, []byte(p.Get("facts")), "application/json")
	if err != nil {
		return pipeline.Fail("store_result", pipeline.ErrStorage, err)
	}

	rec.Status = store.RunCompleted
	rec.Artifact = ptr
	if err := d.Store.CompleteExtraction(ctx, rec); err != nil {
		return pipeline.Fail("store_result", pipeline.ErrStorage, err)
	}

	if err := d.Store.CachePut(ctx, cacheKey(rec.OrgID, rec.ContentHash), p.Get("facts"), 24*time.Hour); err != nil {
		// Cache writes are best-effort; the history lookup still covers dedup.
		return nil
	}
	return nil
}

// loadParse reads the parse output, from the payload pointer when the
// parse stage ran in this chain, or from the document record on resume.
func (d *Deps) loadParse(ctx context.Context, docID string, p *pipeline.Payload) (*parsers.Output, error) {
	ptr := decodePtr(p.Get(varParseKey))
	if ptr.IsZero() {
		doc, err := d.Store.Document(ctx, docID)
		if err != nil {
			return nil, err
		}
		if doc.ParseArtifact.IsZero() {
			return nil, fmt.Errorf("document %s has no parse artifact", docID)
		}
		ptr = doc.ParseArtifact
	}
	var out parsers.Output
	if err := d.Artifacts.GetJSON(ctx, ptr, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Artifact pointers ride payload vars as JSON so resumed tasks and the
// job-state intermediates can locate them.
func encodePtr(p *storage.Pointer) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodePtr(s string) *storage.Pointer {
	var p storage.Pointer
	if s == "" || json.Unmarshal([]byte(s), &p) != nil {
		return &storage.Pointer{}
	}
	return &p
}

func (d *Deps) recordUsage(ctx context.Context, extID string, usage llms.Usage) {
	rec, err := d.Store.Extraction(ctx, extID)
	if err != nil {
		return
	}
	rec.InputTokens += usage.InputTokens
	rec.OutputTokens += usage.OutputTokens
	rec.CostUSD += usage.CostUSD
	_ = d.Store.CompleteExtraction(ctx, rec)
}

func cacheKey(orgID, contentHash string) string {
	return "extract:" + orgID + ":" + contentHash
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
