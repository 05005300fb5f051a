package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docquarry/quarry/pkg/pipeline"
)

func validMemo() map[string]interface{} {
	sections := make([]interface{}, 0, len(memoSectionKeys))
	for _, key := range memoSectionKeys {
		sections = append(sections, map[string]interface{}{
			"key": key, "title": key, "content": "text [D1:p1]",
			"citations": []interface{}{"[D1:p1]"},
		})
	}
	return map[string]interface{}{
		"currency": "USD",
		"sections": sections,
		"financials": map[string]interface{}{
			"currency": "USD",
			"fiscal_years": []interface{}{
				map[string]interface{}{"year": float64(2023), "revenue": float64(1.2e7)},
			},
		},
		"risks": []interface{}{
			map[string]interface{}{"description": "churn", "severity": "high"},
		},
		"references": []interface{}{"[D1:p1]"},
		"meta":       map[string]interface{}{"version": float64(2)},
	}
}

func TestMemoDomainCheckAcceptsValidMemo(t *testing.T) {
	assert.Empty(t, MemoDomainCheck(validMemo()))
}

func TestMemoDomainCheckViolations(t *testing.T) {
	memo := validMemo()
	memo["currency"] = "dollars"
	memo["meta"] = map[string]interface{}{"version": float64(1)}
	memo["risks"] = []interface{}{
		map[string]interface{}{"description": "churn", "severity": "catastrophic"},
	}
	memo["financials"].(map[string]interface{})["currency"] = "EUR"
	memo["financials"].(map[string]interface{})["fiscal_years"] = []interface{}{
		map[string]interface{}{"year": float64(2023), "revenue": "12M"},
	}
	memo["sections"] = memo["sections"].([]interface{})[:5]

	violations := MemoDomainCheck(memo)
	joined := ""
	for _, v := range violations {
		joined += v + "\n"
	}
	assert.Contains(t, joined, "meta.version")
	assert.Contains(t, joined, "currency \"dollars\"")
	assert.Contains(t, joined, "disagrees")
	assert.Contains(t, joined, "severity")
	assert.Contains(t, joined, "revenue is not a number")
	assert.Contains(t, joined, "missing required sections")
}

func TestMemoDomainCheckClampsConfidence(t *testing.T) {
	memo := validMemo()
	section := memo["sections"].([]interface{})[0].(map[string]interface{})
	section["confidence"] = 1.7

	MemoDomainCheck(memo)
	assert.Equal(t, 1.0, section["confidence"])

	section["confidence"] = -0.3
	MemoDomainCheck(memo)
	assert.Equal(t, 0.0, section["confidence"])
}

func TestMemoCurrencyUnknownAllowed(t *testing.T) {
	memo := validMemo()
	memo["currency"] = "UNKNOWN"
	memo["financials"].(map[string]interface{})["currency"] = "EUR"
	// UNKNOWN top-level currency doesn't fight the nested one.
	assert.Empty(t, MemoDomainCheck(memo))
}

func TestMemoSchemaReflects(t *testing.T) {
	schema, err := MemoSchema()
	require.NoError(t, err)
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	for _, key := range []string{"currency", "sections", "risks", "references", "meta"} {
		assert.Contains(t, props, key)
	}
}

func TestMemoGeneratorEmbedsContract(t *testing.T) {
	prompts, err := memoGenerator(map[string]interface{}{
		"firm_name": "Acme Capital", "investment_stage": "Series B",
	}, "Focus on unit economics.")
	require.NoError(t, err)

	assert.Contains(t, prompts.System, "Acme Capital")
	assert.Contains(t, prompts.System, "Series B")
	assert.Contains(t, prompts.System, "executive_summary")
	assert.Contains(t, prompts.System, "meta.version to 2")
	assert.Contains(t, prompts.System, "Focus on unit economics.")
	assert.Contains(t, prompts.UserTemplate, ContextPlaceholder)
}

func TestKitForMissingGeneratorIsConfigurationError(t *testing.T) {
	_, err := KitFor("nonexistent_generator")
	require.Error(t, err)

	var se *pipeline.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeline.ErrConfiguration, se.Type)
	assert.False(t, se.Retryable)
}

func TestKitForMemoRegistered(t *testing.T) {
	kit, err := KitFor(MemoGeneratorKey)
	require.NoError(t, err)
	assert.NotNil(t, kit.Generate)
	assert.NotNil(t, kit.Schema)
	assert.NotNil(t, kit.Check)
}
