package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/docquarry/quarry/pkg/store"
)

// memoRetrievalSpec is the seeded section plan for the investment memo.
// Each section retrieves independently; prefer_tables steers financial
// sections toward table chunks.
var memoRetrievalSpec = []SectionSpec{
	{Key: "executive_summary", Title: "Executive Summary",
		Queries: []string{"company overview summary", "investment highlights"}, MaxChunks: 6, Priority: 1},
	{Key: "company_overview", Title: "Company Overview",
		Queries: []string{"company history founding team", "what does the company do"}, MaxChunks: 6, Priority: 2},
	{Key: "products_and_services", Title: "Products and Services",
		Queries: []string{"products services offerings", "product roadmap"}, MaxChunks: 6, Priority: 3},
	{Key: "market_analysis", Title: "Market Analysis",
		Queries: []string{"market size TAM SAM", "industry trends growth"}, MaxChunks: 6, Priority: 4},
	{Key: "business_model", Title: "Business Model",
		Queries: []string{"revenue model pricing", "unit economics customer acquisition"}, MaxChunks: 5, Priority: 5},
	{Key: "financials", Title: "Financials",
		Queries:      []string{"revenue EBITDA margin fiscal year", "income statement balance sheet"},
		PreferTables: true, MaxChunks: 8, Priority: 6},
	{Key: "valuation", Title: "Valuation",
		Queries:      []string{"valuation multiple purchase price", "comparable transactions"},
		PreferTables: true, MaxChunks: 5, Priority: 7},
	{Key: "management_team", Title: "Management Team",
		Queries: []string{"management team executives leadership"}, MaxChunks: 4, Priority: 8},
	{Key: "competitive_landscape", Title: "Competitive Landscape",
		Queries: []string{"competitors competitive advantage moat"}, MaxChunks: 5, Priority: 9},
	{Key: "growth_strategy", Title: "Growth Strategy",
		Queries: []string{"growth strategy expansion plan"}, MaxChunks: 4, Priority: 10},
	{Key: "deal_terms", Title: "Deal Terms",
		Queries: []string{"deal terms structure ownership", "transaction terms conditions"}, MaxChunks: 5, Priority: 11},
	{Key: "risks", Title: "Risks",
		Queries: []string{"risks challenges concerns", "litigation regulatory exposure"}, MaxChunks: 6, Priority: 12},
}

var memoVariableSpec = []VariableSpec{
	{Name: "firm_name", Type: "string"},
	{Name: "investment_stage", Type: "enum",
		Enum: []string{"screening", "diligence", "final_approval"}, Default: "diligence"},
}

// EnsureDefaultTemplates seeds the flagship template on first startup. An
// existing active template using the same generator wins; templates are
// immutable per version, so upgrades insert a new version instead of
// rewriting this one.
func EnsureDefaultTemplates(ctx context.Context, st *store.Store) error {
	existing, err := st.ActiveTemplates(ctx)
	if err != nil {
		return err
	}
	for _, tpl := range existing {
		if tpl.Generator == MemoGeneratorKey {
			return nil
		}
	}

	retrievalJSON, err := json.Marshal(memoRetrievalSpec)
	if err != nil {
		return fmt.Errorf("failed to encode memo retrieval spec: %w", err)
	}
	variablesJSON, err := json.Marshal(memoVariableSpec)
	if err != nil {
		return fmt.Errorf("failed to encode memo variables: %w", err)
	}

	return st.CreateTemplate(ctx, &store.WorkflowTemplate{
		ID:            uuid.NewString(),
		Name:          "Investment Memo",
		Domain:        "private_markets",
		Version:       2,
		Active:        true,
		Generator:     MemoGeneratorKey,
		RetrievalJSON: string(retrievalJSON),
		VariablesJSON: string(variablesJSON),
		MinDocuments:  1,
		MaxDocuments:  10,
	})
}
