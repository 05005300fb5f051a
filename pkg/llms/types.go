// Package llms provides the LLM provider client used by extraction, workflow
// generation, and chat: unstructured completion with JSON repair, schema-
// enforced structured output, and streaming, all with usage and cost
// accounting.
package llms

import (
	"context"
	"strings"
	"time"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Usage records token consumption for one call, including prompt cache
// traffic, and the computed cost.
type Usage struct {
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens,omitempty"`
	CostUSD                  float64 `json:"cost_usd"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CostUSD += other.CostUSD
}

// Request is a completion request. Zero values inherit client defaults.
type Request struct {
	// Model overrides the client's default model.
	Model string

	// System is the system prompt.
	System string

	// CacheSystem submits the system prompt as a cacheable block so repeat
	// calls within the provider's cache TTL read it from cache.
	CacheSystem bool

	Messages []Message

	MaxTokens   int
	Temperature *float64

	// Timeout overrides the client's read timeout (workflow synthesis
	// extends it).
	Timeout time.Duration
}

// Result is a completed (non-streaming) call.
type Result struct {
	Text   string                 `json:"text"`
	Parsed map[string]interface{} `json:"parsed,omitempty"`
	Model  string                 `json:"model"`
	Usage  Usage                  `json:"usage"`
}

// StreamEventType tags streaming events.
type StreamEventType string

const (
	StreamText  StreamEventType = "text"
	StreamUsage StreamEventType = "usage"
	StreamError StreamEventType = "error"
)

// StreamEvent is one event on a streaming completion. Text events arrive in
// generation order; a single usage event always precedes channel close on
// success.
type StreamEvent struct {
	Type  StreamEventType
	Text  string
	Usage *Usage
	Err   error
}

// Client is the provider-agnostic completion surface.
type Client interface {
	// Complete runs a completion and returns raw text plus usage.
	Complete(ctx context.Context, req Request) (*Result, error)

	// CompleteJSON runs a completion and parses a JSON object out of the
	// response, repairing common model output defects. Result.Parsed is
	// always non-nil on success.
	CompleteJSON(ctx context.Context, req Request) (*Result, error)

	// CompleteStructured forces the response to conform to the given JSON
	// schema at the provider boundary. Result.Parsed is the conforming
	// object.
	CompleteStructured(ctx context.Context, req Request, schema map[string]interface{}) (*Result, error)

	// Stream yields text chunks incrementally. The channel is closed after
	// a final usage (or error) event.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// Model returns the client's default model name.
	Model() string
}

// TruncationMarker is inserted where oversize input was cut.
const TruncationMarker = "\n\n[... content truncated ...]\n\n"

// TruncateMiddle caps s at maxChars by keeping the first 80% and last 20%
// of the allowance around an explicit marker.
func TruncateMiddle(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	keep := maxChars - len(TruncationMarker)
	if keep < 10 {
		return s[:maxChars]
	}
	head := keep * 8 / 10
	tail := keep - head

	var b strings.Builder
	b.Grow(maxChars)
	b.WriteString(s[:head])
	b.WriteString(TruncationMarker)
	b.WriteString(s[len(s)-tail:])
	return b.String()
}
