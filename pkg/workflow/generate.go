package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
)

// DomainCheck runs template-specific validation over the normalized object
// and returns human-readable violations.
type DomainCheck func(parsed map[string]interface{}) []string

// Artifact is everything persisted for a completed (or partial) run.
type Artifact struct {
	RawText    string                 `json:"raw_text"`
	Parsed     map[string]interface{} `json:"parsed"`
	Citations  map[string]Citation    `json:"citation_map"`
	References []Citation             `json:"references"`
	Validation ValidationInfo         `json:"validation"`
	Model      string                 `json:"model"`
	Mode       string                 `json:"mode"`
	Partial    bool                   `json:"partial"`
}

// ValidationInfo summarizes the validation outcome for the artifact.
type ValidationInfo struct {
	Attempts      int      `json:"attempts"`
	CitationCount int      `json:"citation_count"`
	Minimum       int      `json:"minimum"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Runner drives schema-constrained generation with validation retries and
// partial salvage.
type Runner struct {
	cfg        config.WorkflowConfig
	client     llms.Client
	model      string
	briefModel string
}

func NewRunner(cfg config.WorkflowConfig, llmCfg config.LLMConfig, client llms.Client) *Runner {
	return &Runner{
		cfg:        cfg,
		client:     client,
		model:      llmCfg.Model,
		briefModel: llmCfg.CheapModel,
	}
}

// Generate produces the run artifact. docCount sizes the adaptive citation
// minimum; usage accumulates across retries and map-reduce briefs.
func (r *Runner) Generate(ctx context.Context, prompts Prompts, prepared *PreparedContext, schema map[string]interface{}, domainCheck DomainCheck, docCount int) (*Artifact, llms.Usage, error) {
	var usage llms.Usage

	assembled := prepared.Context
	if prepared.Mode == ModeMapReduce {
		briefs, briefUsage, err := r.sectionBriefs(ctx, prepared)
		if err != nil {
			return nil, usage, err
		}
		usage.Add(briefUsage)
		assembled = briefs
		if len(assembled) > r.cfg.ContextCharCap {
			assembled = llms.TruncateMiddle(assembled, r.cfg.ContextCharCap)
		}
	}

	user, err := BuildUserMessage(prompts, assembled)
	if err != nil {
		return nil, usage, err
	}

	system := prompts.System
	attempts := 0
	var lastArtifact *Artifact
	var lastReport ValidationReport

	for attempts <= r.cfg.MaxValidationRetries {
		attempts++

		result, err := r.client.CompleteStructured(ctx, llms.Request{
			Model:       r.model,
			System:      system,
			CacheSystem: true,
			Messages:    []llms.Message{{Role: "user", Content: user}},
			MaxTokens:   8192,
			Timeout:     time.Duration(r.cfg.SynthesisTimeoutSeconds) * time.Second,
		}, schema)
		if err != nil {
			return salvage(lastArtifact, attempts), usage, pipeline.Fail("generate_artifact", pipeline.ErrLLM, err)
		}
		usage.Add(result.Usage)

		report := ValidateCitations(result.Text, prepared.Whitelist, docCount, len(assembled))
		normalized, _ := Normalize(result.Parsed, schema).(map[string]interface{})
		if domainCheck != nil {
			report.Errors = append(report.Errors, domainCheck(normalized)...)
		}

		artifact := &Artifact{
			RawText:   result.Text,
			Parsed:    normalized,
			Citations: prepared.Citations,
			Model:     result.Model,
			Mode:      prepared.Mode,
			Validation: ValidationInfo{
				Attempts:      attempts,
				CitationCount: len(report.Citations),
				Minimum:       report.Minimum,
				Warnings:      report.Warnings,
				Errors:        report.Errors,
			},
		}
		artifact.References = richReferences(normalized, prepared.Citations)

		if report.OK() {
			return artifact, usage, nil
		}

		lastArtifact, lastReport = artifact, report
		slog.Warn("workflow generation failed validation, retrying",
			"attempt", attempts, "errors", strings.Join(report.Errors, "; "))
		system = prompts.System + CorrectivePreamble(report, prepared.Whitelist, r.cfg.CitationWhitelistCap)
	}

	// Salvage: a parsable object with bad citations beats nothing.
	partial := salvage(lastArtifact, attempts)
	return partial, usage, pipeline.Fail("generate_artifact", pipeline.ErrValidation,
		fmt.Errorf("validation failed after %d attempts: %s", attempts, strings.Join(lastReport.Errors, "; ")))
}

func salvage(artifact *Artifact, attempts int) *Artifact {
	if artifact == nil || len(artifact.Parsed) == 0 {
		return nil
	}
	artifact.Partial = true
	artifact.Validation.Attempts = attempts
	return artifact
}

// sectionBriefs compresses each section into a bounded brief using the
// cheap model, preserving citation tokens verbatim.
func (r *Runner) sectionBriefs(ctx context.Context, prepared *PreparedContext) (string, llms.Usage, error) {
	var usage llms.Usage
	var b strings.Builder

	for _, section := range prepared.Sections {
		if len(section.Chunks) == 0 {
			continue
		}
		var source strings.Builder
		for _, c := range section.Chunks {
			token := tokenForChunk(c, prepared.Citations)
			fmt.Fprintf(&source, "%s\n%s\n\n", token, c.Content())
		}

		result, err := r.client.Complete(ctx, llms.Request{
			Model: r.briefModel,
			System: "You condense document excerpts into briefs for a downstream synthesis step. " +
				"Keep every number, date, and name. Reproduce citation tokens like [D1:p3] exactly where the fact they support appears.",
			Messages: []llms.Message{{
				Role:    "user",
				Content: fmt.Sprintf("Section: %s\n\n%s", section.Spec.Title, source.String()),
			}},
			MaxTokens: 1500,
		})
		if err != nil {
			return "", usage, pipeline.Fail("generate_artifact", pipeline.ErrLLM,
				fmt.Errorf("section brief for %q: %w", section.Spec.Key, err))
		}
		usage.Add(result.Usage)

		fmt.Fprintf(&b, "=== %s ===\n\n%s\n\n", section.Spec.Title, strings.TrimSpace(result.Text))
	}
	return b.String(), usage, nil
}

func tokenForChunk(c *chunks.Chunk, citations map[string]Citation) string {
	for token, cite := range citations {
		if cite.ChunkID == c.ChunkID {
			return token
		}
	}
	// Multiple chunks can share a page token; fall back to any token for
	// the same document and page.
	page := citationPage(c)
	for token, cite := range citations {
		if cite.DocumentID == c.DocumentID && cite.Page == page {
			return token
		}
	}
	return ""
}

// richReferences joins the parsed object's references with citation
// metadata for UI rendering.
func richReferences(parsed map[string]interface{}, citations map[string]Citation) []Citation {
	raw, ok := parsed["references"].([]interface{})
	if !ok {
		return nil
	}
	var out []Citation
	for _, item := range raw {
		token, ok := item.(string)
		if !ok {
			continue
		}
		if cite, found := citations[token]; found {
			out = append(out, cite)
		}
	}
	return out
}
