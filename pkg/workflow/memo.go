package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// MemoGeneratorKey is the registry key the investment memo template
// references.
const MemoGeneratorKey = "investment_memo_v2"

// memoSectionKeys is the minimum section set a memo must contain.
var memoSectionKeys = []string{
	"executive_summary",
	"company_overview",
	"products_and_services",
	"market_analysis",
	"business_model",
	"financials",
	"valuation",
	"management_team",
	"competitive_landscape",
	"growth_strategy",
	"deal_terms",
	"recommendation",
}

// memoSeverities is the closed vocabulary for risk severity and impact.
var memoSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// MemoSection is one named section of the memo.
type MemoSection struct {
	Key        string   `json:"key" jsonschema:"required"`
	Title      string   `json:"title" jsonschema:"required"`
	Content    string   `json:"content" jsonschema:"required"`
	Citations  []string `json:"citations" jsonschema:"required"`
	Confidence float64  `json:"confidence,omitempty"`
}

// MemoRisk is a flagged risk with a closed severity vocabulary.
type MemoRisk struct {
	Description string   `json:"description" jsonschema:"required"`
	Severity    string   `json:"severity" jsonschema:"required,enum=low,enum=medium,enum=high,enum=critical"`
	Citations   []string `json:"citations,omitempty"`
}

// MemoFiscalYear is one year of reported financials.
type MemoFiscalYear struct {
	Year          int     `json:"year" jsonschema:"required"`
	Revenue       float64 `json:"revenue" jsonschema:"required"`
	GrossMargin   float64 `json:"gross_margin,omitempty"`
	EBITDA        float64 `json:"ebitda,omitempty"`
	NetIncome     float64 `json:"net_income,omitempty"`
	RevenueGrowth float64 `json:"revenue_growth,omitempty"`
}

// MemoFinancials mirrors the financials section in structured form.
type MemoFinancials struct {
	Currency    string           `json:"currency,omitempty"`
	FiscalYears []MemoFiscalYear `json:"fiscal_years,omitempty"`
	Commentary  string           `json:"commentary,omitempty"`
}

// MemoMeta versions the artifact contract.
type MemoMeta struct {
	Version int `json:"version" jsonschema:"required"`
}

// MemoOutput is the flagship template's output contract.
type MemoOutput struct {
	Currency        string          `json:"currency" jsonschema:"required,description=3-letter ISO code or UNKNOWN"`
	Sections        []MemoSection   `json:"sections" jsonschema:"required"`
	Financials      *MemoFinancials `json:"financials,omitempty"`
	Risks           []MemoRisk      `json:"risks" jsonschema:"required"`
	Opportunities   []string        `json:"opportunities" jsonschema:"required"`
	NextSteps       []string        `json:"next_steps" jsonschema:"required"`
	Inconsistencies []string        `json:"inconsistencies,omitempty"`
	References      []string        `json:"references" jsonschema:"required,description=deduplicated union of all citation tokens used"`
	Meta            MemoMeta        `json:"meta" jsonschema:"required"`
}

// MemoSchema reflects the output contract into a plain JSON schema map.
func MemoSchema() (map[string]interface{}, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&MemoOutput{})
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal memo schema: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode memo schema: %w", err)
	}
	return out, nil
}

func init() {
	schema, err := MemoSchema()
	if err != nil {
		panic(fmt.Sprintf("memo schema reflection failed: %v", err))
	}
	RegisterKit(MemoGeneratorKey, Kit{
		Generate: memoGenerator,
		Schema:   schema,
		Check:    MemoDomainCheck,
	})
}

func memoGenerator(vars map[string]interface{}, customPrompt string) (Prompts, error) {
	firm, _ := vars["firm_name"].(string)
	stage, _ := vars["investment_stage"].(string)

	var b strings.Builder
	b.WriteString("You are an investment analyst drafting an internal investment memo from source documents.\n\n")
	if firm != "" {
		fmt.Fprintf(&b, "You are writing on behalf of %s.\n", firm)
	}
	if stage != "" {
		fmt.Fprintf(&b, "The deal under consideration is at the %s stage.\n", stage)
	}
	b.WriteString("\nRequired sections (use exactly these keys):\n")
	for _, key := range memoSectionKeys {
		fmt.Fprintf(&b, "- %s\n", key)
	}
	b.WriteString(`
Rules:
- Every factual claim must carry a citation token of the form [D1:p3] copied verbatim from the context. Never invent tokens.
- "references" is the deduplicated union of every citation token you used.
- Risk severity must be one of: low, medium, high, critical.
- "currency" is the 3-letter ISO code of the financial figures, or "UNKNOWN" if the documents never state one. The financials block must use the same currency.
- Report numbers as plain numbers, not formatted strings.
- If the documents contradict each other, record each contradiction in "inconsistencies".
- Set meta.version to 2.
`)
	if customPrompt != "" {
		b.WriteString("\nAdditional instructions from the requester:\n")
		b.WriteString(customPrompt)
		b.WriteString("\n")
	}

	return Prompts{
		System: b.String(),
		UserTemplate: "Source documents:\n\n" + ContextPlaceholder +
			"\n\nWrite the complete investment memo now.",
	}, nil
}

// MemoDomainCheck enforces the memo contract beyond what the schema can
// express. It also clamps confidence values in place.
func MemoDomainCheck(parsed map[string]interface{}) []string {
	var violations []string

	if version := dig(parsed, "meta", "version"); version != float64(2) {
		violations = append(violations, "meta.version must be 2")
	}

	currency, _ := parsed["currency"].(string)
	if !validCurrency(currency) {
		violations = append(violations, fmt.Sprintf("currency %q is not a 3-letter code or UNKNOWN", currency))
	}
	if nested, ok := dig(parsed, "financials", "currency").(string); ok && nested != "" &&
		currency != "UNKNOWN" && !strings.EqualFold(nested, currency) {
		violations = append(violations, fmt.Sprintf("financials.currency %q disagrees with top-level %q", nested, currency))
	}

	sections, _ := parsed["sections"].([]interface{})
	present := map[string]bool{}
	for _, raw := range sections {
		section, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if key, ok := section["key"].(string); ok {
			present[key] = true
		}
		if conf, ok := section["confidence"].(float64); ok {
			// Clamp rather than reject; confidence is advisory.
			if conf < 0 {
				section["confidence"] = 0.0
			} else if conf > 1 {
				section["confidence"] = 1.0
			}
		}
	}
	var missing []string
	for _, key := range memoSectionKeys {
		if !present[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		violations = append(violations, "missing required sections: "+strings.Join(missing, ", "))
	}

	if risks, ok := parsed["risks"].([]interface{}); ok {
		for i, raw := range risks {
			risk, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			severity, _ := risk["severity"].(string)
			if !memoSeverities[strings.ToLower(severity)] {
				violations = append(violations, fmt.Sprintf("risks[%d].severity %q not in closed vocabulary", i, severity))
			}
		}
	}

	if years, ok := dig(parsed, "financials", "fiscal_years").([]interface{}); ok {
		for i, raw := range years {
			year, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if _, ok := year["revenue"].(float64); !ok {
				violations = append(violations, fmt.Sprintf("financials.fiscal_years[%d].revenue is not a number", i))
			}
		}
	}

	return violations
}

func validCurrency(code string) bool {
	if code == "UNKNOWN" {
		return true
	}
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func dig(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}
