package llms

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	codeFencePattern    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaArray  = regexp.MustCompile(`,\s*\]`)
	trailingCommaObject = regexp.MustCompile(`,\s*\}`)
)

// ParseJSONObject extracts and parses a JSON object from LLM output text.
// Models wrap JSON in prose preambles, code fences, and occasionally emit
// trailing commas or truncated strings; each repair is attempted in order
// of increasing aggressiveness.
func ParseJSONObject(text string) (map[string]interface{}, error) {
	candidates := []string{text}

	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		candidates = append([]string{m[1]}, candidates...)
	}
	if extracted := extractBraced(text); extracted != "" {
		candidates = append(candidates, extracted)
	}

	var lastErr error
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, nil
		} else {
			lastErr = err
		}

		repaired := repairJSON(candidate)
		var obj2 map[string]interface{}
		if err := json.Unmarshal([]byte(repaired), &obj2); err == nil {
			return obj2, nil
		} else {
			lastErr = err
		}
	}
	return nil, fmt.Errorf("no parsable JSON object in response: %w", lastErr)
}

// extractBraced returns the outermost {...} span, tracking string literals
// so braces inside values don't break the balance count.
func extractBraced(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	// Unbalanced: the output was truncated mid-object.
	return text[start:]
}

// repairJSON fixes trailing commas, closes truncated strings, and balances
// brackets on truncated output.
func repairJSON(s string) string {
	s = trailingCommaArray.ReplaceAllString(s, "]")
	s = trailingCommaObject.ReplaceAllString(s, "}")

	// Close an unterminated string literal.
	inString := false
	escaped := false
	var depthStack []byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depthStack = append(depthStack, ch)
		case '}', ']':
			if len(depthStack) > 0 {
				depthStack = depthStack[:len(depthStack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	// Drop a dangling comma left by truncation, then balance brackets.
	trimmed := strings.TrimRight(s, " \t\n\r")
	trimmed = strings.TrimSuffix(trimmed, ",")
	s = trimmed
	for i := len(depthStack) - 1; i >= 0; i-- {
		if depthStack[i] == '{' {
			s += "}"
		} else {
			s += "]"
		}
	}
	return s
}
