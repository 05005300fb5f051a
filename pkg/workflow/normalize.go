package workflow

import (
	"strconv"
	"strings"
)

// Normalize cleans a parsed LLM object against its schema: nulls are
// dropped, numeric strings with unit suffixes become numbers, percent
// strings follow the schema's declared format, and comma-joined strings
// become lists where the schema expects one. Values the schema doesn't
// describe pass through untouched; normalization never invents data.
func Normalize(value interface{}, schema map[string]interface{}) interface{} {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case map[string]interface{}:
		props, _ := schemaMap(schema, "properties")
		out := make(map[string]interface{}, len(v))
		for key, inner := range v {
			var innerSchema map[string]interface{}
			if props != nil {
				innerSchema, _ = props[key].(map[string]interface{})
			}
			if normalized := Normalize(inner, innerSchema); normalized != nil {
				out[key] = normalized
			}
		}
		return out

	case []interface{}:
		items, _ := schemaMap(schema, "items")
		out := make([]interface{}, 0, len(v))
		for _, inner := range v {
			if normalized := Normalize(inner, items); normalized != nil {
				out = append(out, normalized)
			}
		}
		return out

	case string:
		return normalizeString(v, schema)

	default:
		return value
	}
}

func normalizeString(s string, schema map[string]interface{}) interface{} {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || strings.EqualFold(trimmed, "null") || strings.EqualFold(trimmed, "n/a") {
		return nil
	}
	if schema == nil {
		return s
	}

	switch schemaType(schema) {
	case "number", "integer":
		if n, ok := ParseUnitNumber(trimmed); ok {
			if strings.HasSuffix(trimmed, "%") && percentFormat(schema) == "decimal" {
				return n / 100
			}
			return n
		}
	case "array":
		if strings.Contains(trimmed, ",") {
			parts := strings.Split(trimmed, ",")
			out := make([]interface{}, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out
		}
		return []interface{}{trimmed}
	}
	return s
}

// ParseUnitNumber parses human-formatted numbers: "15.2M", "$1,234.50",
// "1.5x", "15%", "(2.3M)" for negatives. The returned value for percent
// strings is the whole-number form ("15%" -> 15).
func ParseUnitNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}

	s = strings.TrimLeft(s, "$€£ ")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	switch {
	case strings.HasSuffix(s, "%"):
		s = strings.TrimSuffix(s, "%")
	case strings.HasSuffix(s, "x"), strings.HasSuffix(s, "X"):
		s = s[:len(s)-1]
	default:
		upper := strings.ToUpper(s)
		// Two-letter suffixes first so "2BN" doesn't stop at "N".
		for _, sc := range []struct {
			suffix     string
			multiplier float64
		}{{"BN", 1e9}, {"MM", 1e6}, {"K", 1e3}, {"M", 1e6}, {"B", 1e9}, {"T", 1e12}} {
			if strings.HasSuffix(upper, sc.suffix) && len(s) > len(sc.suffix) {
				base := strings.TrimSpace(s[:len(s)-len(sc.suffix)])
				if n, err := strconv.ParseFloat(base, 64); err == nil {
					if negative {
						n = -n
					}
					return n * sc.multiplier, true
				}
			}
		}
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	if negative {
		n = -n
	}
	return n, true
}

func schemaType(schema map[string]interface{}) string {
	t, _ := schema["type"].(string)
	return t
}

func percentFormat(schema map[string]interface{}) string {
	f, _ := schema["percentFormat"].(string)
	return f
}

func schemaMap(schema map[string]interface{}, key string) (map[string]interface{}, bool) {
	if schema == nil {
		return nil, false
	}
	m, ok := schema[key].(map[string]interface{})
	return m, ok
}
