package templatefill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/storage"
	"github.com/docquarry/quarry/pkg/store"
)

// Chain names. Analysis runs up to the user-review pause; render resumes
// after the user confirms the mapping.
const (
	ChainAnalyze = "fill_analyze"
	ChainRender  = "fill_render"
)

const (
	varRunID   = "fill_run_id"
	varScanKey = "intermediate:analyze_template"
)

// Searcher is the retrieval surface auto-mapping uses.
type Searcher interface {
	Search(ctx context.Context, u retrieval.Understanding, scope retrieval.Scope) ([]retrieval.ScoredChunk, error)
}

// Deps are the shared dependencies of the fill stages.
type Deps struct {
	Store     *store.Store
	Artifacts *storage.Store
	Engine    Searcher
	Client    llms.Client

	CheapModel string
}

// Mapping is the value proposed (and later confirmed) for one field.
type Mapping struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	SourceRef  string  `json:"source_ref,omitempty"`
	Confidence float64 `json:"confidence"`
}

// AnalyzeChain scans the template, detects fields, and proposes a mapping,
// then parks the run for user review.
func AnalyzeChain(d *Deps) *pipeline.Chain {
	return &pipeline.Chain{
		Name: ChainAnalyze,
		Stages: []pipeline.Stage{
			{Name: "analyze_template", Progress: 10, Run: d.analyzeTemplate},
			{Name: "detect_fields", Progress: 30, Run: d.detectFields},
			{Name: "auto_map", Progress: 60, Run: d.autoMap},
		},
		OnFailure: d.failRun,
	}
}

// RenderChain writes the confirmed mapping into the workbook.
func RenderChain(d *Deps) *pipeline.Chain {
	return &pipeline.Chain{
		Name: ChainRender,
		Stages: []pipeline.Stage{
			{Name: "fill", Progress: 80, Run: d.fill},
		},
		OnFailure: d.failRun,
	}
}

func (d *Deps) failRun(ctx context.Context, p *pipeline.Payload, serr *pipeline.StageError) {
	run, err := d.Store.FillRun(ctx, p.Get(varRunID))
	if err != nil {
		return
	}
	run.Status = store.RunFailed
	run.ErrorMessage = serr.Error()
	_ = d.Store.UpdateFillRun(ctx, run)
}

// analyzeTemplate opens the workbook and persists the raw cell scan.
func (d *Deps) analyzeTemplate(ctx context.Context, p *pipeline.Payload) error {
	run, err := d.Store.FillRun(ctx, p.Get(varRunID))
	if err != nil {
		return pipeline.Fail("analyze_template", pipeline.ErrStorage, err)
	}
	run.Status = store.RunProcessing
	if err := d.Store.UpdateFillRun(ctx, run); err != nil {
		return pipeline.Fail("analyze_template", pipeline.ErrStorage, err)
	}

	wb, err := excelize.OpenFile(run.TemplatePath)
	if err != nil {
		return pipeline.Fail("analyze_template", pipeline.ErrParse, err)
	}
	defer wb.Close()

	cells, err := ScanWorkbook(wb)
	if err != nil {
		return pipeline.Fail("analyze_template", pipeline.ErrParse, err)
	}
	if len(cells) == 0 {
		return pipeline.Fail("analyze_template", pipeline.ErrParse, fmt.Errorf("template has no content"))
	}

	key := fmt.Sprintf("fills/%s/scan.json", run.ID)
	ptr, err := d.Artifacts.PutJSON(ctx, key, cells)
	if err != nil {
		return pipeline.Fail("analyze_template", pipeline.ErrStorage, err)
	}
	p.Set(varScanKey, encodePtr(ptr))
	return nil
}

// detectFields applies the label heuristics and records the result on the
// run.
func (d *Deps) detectFields(ctx context.Context, p *pipeline.Payload) error {
	var cells []CellText
	if err := d.Artifacts.GetJSON(ctx, decodePtr(p.Get(varScanKey)), &cells); err != nil {
		return pipeline.Fail("detect_fields", pipeline.ErrStorage, err)
	}

	fields := DetectFields(cells)
	if len(fields) == 0 {
		return pipeline.Fail("detect_fields", pipeline.ErrParse, fmt.Errorf("no fillable fields detected"))
	}

	run, err := d.Store.FillRun(ctx, p.Get(varRunID))
	if err != nil {
		return pipeline.Fail("detect_fields", pipeline.ErrStorage, err)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return pipeline.Fail("detect_fields", pipeline.ErrSchema, err)
	}
	run.FieldsJSON = string(raw)
	if err := d.Store.UpdateFillRun(ctx, run); err != nil {
		return pipeline.Fail("detect_fields", pipeline.ErrStorage, err)
	}
	return nil
}

const autoMapSystem = `You fill spreadsheet fields from document excerpts. For each field, pick the value the excerpts support.
Respond with JSON: {"mappings": [{"key", "value", "confidence" 0.0-1.0}]}.
Use an empty value with confidence 0 when the excerpts do not answer the field.`

// autoMap retrieves evidence per field and proposes values in one LLM
// call, then parks the run for review.
func (d *Deps) autoMap(ctx context.Context, p *pipeline.Payload) error {
	run, err := d.Store.FillRun(ctx, p.Get(varRunID))
	if err != nil {
		return pipeline.Fail("auto_map", pipeline.ErrStorage, err)
	}
	var fields []Field
	if err := json.Unmarshal([]byte(run.FieldsJSON), &fields); err != nil {
		return pipeline.Fail("auto_map", pipeline.ErrSchema, err)
	}

	evidence := map[string]string{}
	sources := map[string]string{}
	for _, field := range fields {
		results, err := d.Engine.Search(ctx, retrieval.Understanding{
			QueryType:         retrieval.QueryDataExtraction,
			ReformulatedQuery: field.Label,
		}, retrieval.Scope{DocumentIDs: run.DocumentIDs})
		if err != nil {
			return pipeline.Fail("auto_map", pipeline.ErrRetrieval, err)
		}
		var b strings.Builder
		for i, sc := range results {
			if i == 3 {
				break
			}
			b.WriteString(sc.Chunk.Content())
			b.WriteString("\n")
			if i == 0 {
				sources[field.Key] = sc.Chunk.Ref()
			}
		}
		evidence[field.Key] = b.String()
	}

	var prompt strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&prompt, "Field %q (%s):\n%s\n\n", field.Key, field.Label, evidence[field.Key])
	}

	result, err := d.Client.CompleteJSON(ctx, llms.Request{
		Model:     d.CheapModel,
		System:    autoMapSystem,
		Messages:  []llms.Message{{Role: "user", Content: prompt.String()}},
		MaxTokens: 2048,
		Timeout:   60 * time.Second,
	})
	if err != nil {
		return pipeline.Fail("auto_map", pipeline.ErrLLM, err)
	}

	mappings := decodeMappings(result.Parsed, sources)
	raw, err := json.Marshal(mappings)
	if err != nil {
		return pipeline.Fail("auto_map", pipeline.ErrSchema, err)
	}

	run.MappingJSON = string(raw)
	run.Status = store.RunAwaitingUser
	if err := d.Store.UpdateFillRun(ctx, run); err != nil {
		return pipeline.Fail("auto_map", pipeline.ErrStorage, err)
	}
	return nil
}

// fill writes the confirmed mapping into the workbook and stores the
// result.
func (d *Deps) fill(ctx context.Context, p *pipeline.Payload) error {
	run, err := d.Store.FillRun(ctx, p.Get(varRunID))
	if err != nil {
		return pipeline.Fail("fill", pipeline.ErrStorage, err)
	}
	var fields []Field
	if err := json.Unmarshal([]byte(run.FieldsJSON), &fields); err != nil {
		return pipeline.Fail("fill", pipeline.ErrSchema, err)
	}
	var mappings []Mapping
	if err := json.Unmarshal([]byte(run.MappingJSON), &mappings); err != nil {
		return pipeline.Fail("fill", pipeline.ErrSchema, err)
	}
	byKey := make(map[string]Mapping, len(mappings))
	for _, m := range mappings {
		byKey[m.Key] = m
	}

	wb, err := excelize.OpenFile(run.TemplatePath)
	if err != nil {
		return pipeline.Fail("fill", pipeline.ErrParse, err)
	}
	defer wb.Close()

	filled := 0
	for _, field := range fields {
		m, ok := byKey[field.Key]
		if !ok || m.Value == "" {
			continue
		}
		if err := wb.SetCellValue(field.Sheet, field.ValueCell, m.Value); err != nil {
			return pipeline.Fail("fill", pipeline.ErrParse, err)
		}
		filled++
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return pipeline.Fail("fill", pipeline.ErrParse, err)
	}
	key := fmt.Sprintf("fills/%s/filled.xlsx", run.ID)
	ptr, err := d.Artifacts.Put(ctx, key, buf.Bytes(),
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err != nil {
		return pipeline.Fail("fill", pipeline.ErrStorage, err)
	}

	run.Status = store.RunCompleted
	run.Artifact = ptr
	if err := d.Store.UpdateFillRun(ctx, run); err != nil {
		return pipeline.Fail("fill", pipeline.ErrStorage, err)
	}
	p.Set("filled_fields", fmt.Sprintf("%d", filled))
	return nil
}

func decodeMappings(parsed map[string]interface{}, sources map[string]string) []Mapping {
	raw, _ := parsed["mappings"].([]interface{})
	var out []Mapping
	for _, item := range raw {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		m := Mapping{}
		m.Key, _ = obj["key"].(string)
		m.Value, _ = obj["value"].(string)
		if c, ok := obj["confidence"].(float64); ok {
			m.Confidence = c
		}
		if m.Key == "" {
			continue
		}
		m.SourceRef = sources[m.Key]
		out = append(out, m)
	}
	return out
}

// Artifact pointers ride payload vars as JSON, same convention as the
// extraction chains.
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
