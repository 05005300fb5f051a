// Package retrieval implements hybrid dense+lexical search with reciprocal
// rank fusion, cross-encoder re-ranking, and link-based context expansion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
)

// QueryType drives retrieval sizing.
type QueryType string

const (
	QueryDataExtraction QueryType = "data_extraction"
	QuerySummarization  QueryType = "summarization"
	QueryEntityLookup   QueryType = "entity_lookup"
	QueryGeneralQA      QueryType = "general_qa"
	QueryComparison     QueryType = "comparison"
)

// Sizing bounds each phase of the retrieval pipeline.
type Sizing struct {
	CandidatePool     int
	TopK              int
	ExpansionPerChunk int
	MaxTotal          int
}

// SizingFor returns per-type bounds; zero pool/topk fields mean "use the
// configured defaults", which the caller resolves against cfg.
func SizingFor(qt QueryType, cfg config.RetrievalConfig) Sizing {
	var s Sizing
	switch qt {
	case QueryDataExtraction:
		s = Sizing{CandidatePool: 25, TopK: 12, ExpansionPerChunk: 2, MaxTotal: 24}
	case QuerySummarization:
		s = Sizing{CandidatePool: 18, TopK: 9, ExpansionPerChunk: 1, MaxTotal: 15}
	case QueryEntityLookup:
		s = Sizing{CandidatePool: 16, TopK: 8, ExpansionPerChunk: 1, MaxTotal: 10}
	case QueryComparison:
		s = Sizing{ExpansionPerChunk: 2, MaxTotal: 20}
	default:
		s = Sizing{ExpansionPerChunk: 1, MaxTotal: 18}
	}
	if s.CandidatePool == 0 {
		s.CandidatePool = cfg.CandidatePool
	}
	if s.TopK == 0 {
		s.TopK = cfg.TopK
	}
	return s
}

// Understanding is the result of the query-understanding classification.
type Understanding struct {
	QueryType          QueryType `json:"query_type"`
	ReformulatedQuery  string    `json:"reformulated_query"`
	Entities           []string  `json:"entities"`
	Confidence         float64   `json:"confidence"`
	HypotheticalAnswer string    `json:"hypothetical_answer,omitempty"`
}

const understandSystem = `You classify document search queries. Respond with a JSON object:
{"query_type": one of "data_extraction", "summarization", "entity_lookup", "general_qa", "comparison",
 "reformulated_query": a standalone version of the query resolving pronouns from the conversation,
 "entities": named documents, companies, or subjects mentioned,
 "confidence": 0.0-1.0,
 "hypothetical_answer": a one-paragraph hypothetical answer to the query, written as if quoting the document}
Respond with only the JSON object.`

// Understand runs a single cheap classification call. On any failure it
// degrades to general_qa with the original query, never blocking retrieval.
func Understand(ctx context.Context, client llms.Client, model, query, conversationHint string) Understanding {
	fallback := Understanding{
		QueryType:         QueryGeneralQA,
		ReformulatedQuery: query,
	}
	if client == nil {
		return fallback
	}

	user := "Query: " + query
	if conversationHint != "" {
		user = "Recent conversation:\n" + conversationHint + "\n\n" + user
	}

	result, err := client.CompleteJSON(ctx, llms.Request{
		Model:     model,
		System:    understandSystem,
		Messages:  []llms.Message{{Role: "user", Content: user}},
		MaxTokens: 500,
		Timeout:   15 * time.Second,
	})
	if err != nil {
		slog.Warn("query understanding failed, using generic sizing", "error", err)
		return fallback
	}

	u, err := decodeUnderstanding(result.Parsed)
	if err != nil {
		slog.Warn("query understanding returned malformed object", "error", err)
		return fallback
	}
	if u.ReformulatedQuery == "" {
		u.ReformulatedQuery = query
	}
	// Low confidence means the classifier is guessing; keep generic sizing
	// rather than over-narrowing the candidate pool.
	if u.Confidence < 0.5 {
		u.QueryType = QueryGeneralQA
	}
	return u
}

func decodeUnderstanding(parsed map[string]interface{}) (Understanding, error) {
	var u Understanding
	qt, _ := parsed["query_type"].(string)
	switch QueryType(qt) {
	case QueryDataExtraction, QuerySummarization, QueryEntityLookup, QueryGeneralQA, QueryComparison:
		u.QueryType = QueryType(qt)
	default:
		return u, fmt.Errorf("unknown query type %q", qt)
	}
	u.ReformulatedQuery, _ = parsed["reformulated_query"].(string)
	u.HypotheticalAnswer, _ = parsed["hypothetical_answer"].(string)
	if c, ok := parsed["confidence"].(float64); ok {
		u.Confidence = c
	}
	if raw, ok := parsed["entities"].([]interface{}); ok {
		for _, e := range raw {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				u.Entities = append(u.Entities, strings.TrimSpace(s))
			}
		}
	}
	return u, nil
}
