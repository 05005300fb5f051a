package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUnitNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"15.2M", 15_200_000},
		{"$1,234.50", 1234.50},
		{"2B", 2e9},
		{"2BN", 2e9},
		{"15MM", 15e6},
		{"3.5K", 3500},
		{"1.5x", 1.5},
		{"15%", 15},
		{"(2.3M)", -2_300_000},
		{"-42", -42},
		{"1200", 1200},
	}
	for _, tc := range cases {
		got, ok := ParseUnitNumber(tc.in)
		assert.True(t, ok, tc.in)
		assert.InDelta(t, tc.want, got, 1e-6, tc.in)
	}

	_, ok := ParseUnitNumber("not a number")
	assert.False(t, ok)
	_, ok = ParseUnitNumber("")
	assert.False(t, ok)
}

func numberSchema() map[string]interface{} {
	return map[string]interface{}{"type": "number"}
}

func TestNormalizeCoercesBySchema(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"revenue":  numberSchema(),
			"growth":   map[string]interface{}{"type": "number", "percentFormat": "decimal"},
			"margin":   map[string]interface{}{"type": "number", "percentFormat": "whole"},
			"tags":     map[string]interface{}{"type": "array"},
			"comment":  map[string]interface{}{"type": "string"},
			"optional": map[string]interface{}{"type": "string"},
		},
	}

	out := Normalize(map[string]interface{}{
		"revenue":  "15.2M",
		"growth":   "12%",
		"margin":   "30%",
		"tags":     "alpha, beta, gamma",
		"comment":  "plain text, with a comma",
		"optional": nil,
	}, schema).(map[string]interface{})

	assert.InDelta(t, 15_200_000.0, out["revenue"], 1e-6)
	assert.InDelta(t, 0.12, out["growth"], 1e-9)
	assert.InDelta(t, 30.0, out["margin"], 1e-9)
	assert.Equal(t, []interface{}{"alpha", "beta", "gamma"}, out["tags"])
	// Strings stay strings even when they contain commas.
	assert.Equal(t, "plain text, with a comma", out["comment"])
	// Nulls are dropped.
	_, present := out["optional"]
	assert.False(t, present)
}

func TestNormalizeDropsNullMarkers(t *testing.T) {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
	}
	out := Normalize(map[string]interface{}{"a": "N/A", "b": "null"}, schema).(map[string]interface{})
	assert.Empty(t, out)
}

func TestNormalizeRecursesIntoArrays(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"years": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"revenue": numberSchema()},
				},
			},
		},
	}
	out := Normalize(map[string]interface{}{
		"years": []interface{}{
			map[string]interface{}{"revenue": "10M"},
			map[string]interface{}{"revenue": "12M"},
		},
	}, schema).(map[string]interface{})

	years := out["years"].([]interface{})
	assert.InDelta(t, 10e6, years[0].(map[string]interface{})["revenue"], 1e-6)
	assert.InDelta(t, 12e6, years[1].(map[string]interface{})["revenue"], 1e-6)
}
