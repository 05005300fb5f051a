// Package tokens provides model-aware token counting on top of tiktoken.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for one model's encoding. Safe for concurrent use.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	cacheMu      sync.Mutex
	encodingByID = map[string]*tiktoken.Tiktoken{}
)

// NewCounter builds a counter for the given model. Unknown models fall back
// to cl100k_base, which is close enough for budget decisions on Claude text.
func NewCounter(model string) (*Counter, error) {
	encodingName := encodingForModel(model)

	cacheMu.Lock()
	encoding, ok := encodingByID[encodingName]
	if !ok {
		var err error
		encoding, err = tiktoken.GetEncoding(encodingName)
		if err != nil {
			cacheMu.Unlock()
			return nil, fmt.Errorf("failed to load encoding %q: %w", encodingName, err)
		}
		encodingByID[encodingName] = encoding
	}
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model this counter was built for.
func (c *Counter) Model() string { return c.model }

// Estimate is a cheap 4-chars-per-token approximation used where a Counter
// is not available (nil receiver is allowed).
func (c *Counter) Estimate(text string) int {
	if c == nil || c.encoding == nil {
		return len(text) / 4
	}
	return c.Count(text)
}

// Estimate approximates a token count without an encoding.
func Estimate(text string) int {
	return len(text) / 4
}

func encodingForModel(model string) string {
	prefixes := map[string]string{
		"gpt-4o":         "o200k_base",
		"gpt-4":          "cl100k_base",
		"gpt-3.5":        "cl100k_base",
		"text-embedding": "cl100k_base",
		"claude":         "cl100k_base",
	}
	for prefix, encoding := range prefixes {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return encoding
		}
	}
	return "cl100k_base"
}
