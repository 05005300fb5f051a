package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/httpclient"
	"github.com/docquarry/quarry/pkg/observability"
)

const (
	anthropicVersion = "2023-06-01"

	// maxInputChars caps any single message's content; oversize inputs are
	// middle-truncated with a marker rather than rejected.
	maxInputChars = 700_000

	// structuredToolName is the synthetic tool that carries schema-enforced
	// output.
	structuredToolName = "emit_result"
)

// AnthropicClient implements Client against the Anthropic messages API.
type AnthropicClient struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
	streaming  *http.Client
}

// New builds the configured provider client.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}

// NewAnthropicClient builds a client from config.
func NewAnthropicClient(cfg config.LLMConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &AnthropicClient{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelaySeconds)*time.Second),
			httpclient.WithMaxDelay(8*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
		// Streaming relies on context deadlines; a whole-request timeout
		// would cut long generations mid-stream.
		streaming: &http.Client{},
	}, nil
}

func (c *AnthropicClient) Model() string { return c.cfg.Model }

// Wire types for the messages API.

type anthropicTextBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature *float64             `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	System      []anthropicTextBlock `json:"system,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
}

type anthropicContent struct {
	Type  string                  `json:"type"`
	Text  string                  `json:"text,omitempty"`
	Name  string                  `json:"name,omitempty"`
	Input *map[string]interface{} `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Type       string             `json:"type"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

func (c *AnthropicClient) buildRequest(req Request, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == nil {
		temperature = c.cfg.Temperature
	}

	out := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}

	if req.System != "" {
		block := anthropicTextBlock{Type: "text", Text: TruncateMiddle(req.System, maxInputChars)}
		if req.CacheSystem && boolVal(c.cfg.PromptCaching) {
			block.CacheControl = json.RawMessage(`{"type":"ephemeral"}`)
		}
		out.System = []anthropicTextBlock{block}
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, anthropicMessage{
			Role:    m.Role,
			Content: TruncateMiddle(m.Content, maxInputChars),
		})
	}
	return out
}

// Complete runs a non-streaming completion.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.send(ctx, c.buildRequest(req, false), req.Timeout)
	if err != nil {
		return nil, err
	}

	var text string
	for _, content := range resp.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}

	usage := usageFrom(resp.Usage)
	ComputeCost(resp.Model, &usage)
	countUsage(resp.Model, usage)
	return &Result{Text: text, Model: resp.Model, Usage: usage}, nil
}

// CompleteJSON completes and parses a JSON object out of the response.
func (c *AnthropicClient) CompleteJSON(ctx context.Context, req Request) (*Result, error) {
	result, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseJSONObject(result.Text)
	if err != nil {
		return nil, fmt.Errorf("LLM returned unparsable JSON: %w", err)
	}
	result.Parsed = parsed
	return result, nil
}

// CompleteStructured forces schema-conformant output by binding the schema
// to a forced tool call. The provider validates input against the schema, so
// the returned object needs no post-hoc repair.
func (c *AnthropicClient) CompleteStructured(ctx context.Context, req Request, schema map[string]interface{}) (*Result, error) {
	wire := c.buildRequest(req, false)
	wire.Tools = []anthropicTool{{
		Name:        structuredToolName,
		Description: "Record the result in the required structure.",
		InputSchema: schema,
	}}
	wire.ToolChoice = &anthropicToolChoice{Type: "tool", Name: structuredToolName}

	resp, err := c.send(ctx, wire, req.Timeout)
	if err != nil {
		return nil, err
	}

	var parsed map[string]interface{}
	var text string
	for _, content := range resp.Content {
		switch content.Type {
		case "tool_use":
			if content.Name == structuredToolName && content.Input != nil {
				parsed = *content.Input
			}
		case "text":
			text += content.Text
		}
	}
	if parsed == nil {
		return nil, fmt.Errorf("structured output missing tool result (stop_reason=%s)", resp.StopReason)
	}

	raw, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode structured output: %w", err)
	}
	if text == "" {
		text = string(raw)
	}

	usage := usageFrom(resp.Usage)
	ComputeCost(resp.Model, &usage)
	countUsage(resp.Model, usage)
	return &Result{Text: text, Parsed: parsed, Model: resp.Model, Usage: usage}, nil
}

// Stream yields incremental text events followed by a final usage event.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	wire := c.buildRequest(req, true)
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = time.Duration(c.cfg.TimeoutSeconds) * time.Second
	}
	streamCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.streaming.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("streaming request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, apiError(resp.StatusCode, data)
	}

	events := make(chan StreamEvent, 64)
	go func() {
		defer close(events)
		defer cancel()
		defer func() { _ = resp.Body.Close() }()

		usage := Usage{}
		model := wire.Model
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					u := usageFrom(ev.Message.Usage)
					usage.InputTokens = u.InputTokens
					usage.CacheReadInputTokens = u.CacheReadInputTokens
					usage.CacheCreationInputTokens = u.CacheCreationInputTokens
				}
			case "content_block_delta":
				if ev.Delta != nil && ev.Delta.Text != "" {
					select {
					case events <- StreamEvent{Type: StreamText, Text: ev.Delta.Text}:
					case <-streamCtx.Done():
						events <- StreamEvent{Type: StreamError, Err: streamCtx.Err()}
						return
					}
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("anthropic stream error: %s", msg)}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("stream interrupted: %w", err)}
			return
		}

		ComputeCost(model, &usage)
		countUsage(model, usage)
		events <- StreamEvent{Type: StreamUsage, Usage: &usage}
	}()

	return events, nil
}

func (c *AnthropicClient) send(ctx context.Context, wire anthropicRequest, timeout time.Duration) (*anthropicResponse, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, data)
	}

	var out anthropicResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s", out.Error.Message)
	}
	return &out, nil
}

func (c *AnthropicClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}

func apiError(status int, body []byte) error {
	var wrapped struct {
		Error *anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error != nil {
		return fmt.Errorf("anthropic API error (HTTP %d): %s", status, wrapped.Error.Message)
	}
	return fmt.Errorf("anthropic API error: HTTP %d", status)
}

func usageFrom(u anthropicUsage) Usage {
	return Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
	}
}

func countUsage(model string, u Usage) {
	observability.CountTokens(model, u.InputTokens, u.OutputTokens)
	observability.CountCost(model, u.CostUSD)
}

func boolVal(b *bool) bool { return b != nil && *b }
