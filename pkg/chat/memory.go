// Package chat produces streaming answers grounded in a session's
// documents: conversation memory with rolling summaries, query
// understanding, hybrid retrieval, and a comparison flow for
// multi-document questions.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/store"
)

// Memory manages the session's rolling summary cache.
type Memory struct {
	cfg    config.ChatConfig
	store  *store.Store
	client llms.Client
	model  string
}

func NewMemory(cfg config.ChatConfig, st *store.Store, client llms.Client, cheapModel string) *Memory {
	return &Memory{cfg: cfg, store: st, client: client, model: cheapModel}
}

// History is what the prompt builder receives: a summary of older turns
// plus the verbatim tail.
type History struct {
	Summary  string
	KeyFacts []string
	Recent   []*store.ChatMessage
}

// Load returns the conversation history, summarizing older messages when
// the verbatim window is exceeded. The cached summary is reused while its
// last_summarized_index still covers everything outside the window.
func (m *Memory) Load(ctx context.Context, session *store.ChatSession) (*History, error) {
	messages, err := m.store.Messages(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	if len(messages) <= m.cfg.SummarizeThreshold {
		return &History{Recent: messages}, nil
	}

	cut := len(messages) - m.cfg.VerbatimMessages
	history := &History{Recent: messages[cut:]}

	if session.Summary != "" && session.LastSummarizedIndex >= cut {
		history.Summary = session.Summary
		history.KeyFacts = session.SummaryKeyFacts
		return history, nil
	}

	summary, facts, err := m.summarize(ctx, session.Summary, messages[:cut])
	if err != nil {
		// A missing summary degrades quality, not correctness.
		slog.Warn("conversation summarization failed", "session", session.ID, "error", err)
		history.Summary = session.Summary
		history.KeyFacts = session.SummaryKeyFacts
		return history, nil
	}

	history.Summary = summary
	history.KeyFacts = facts
	// Last-writer-wins; concurrent messages in a session only race on this
	// cache and a stale summary is acceptable.
	if err := m.store.UpdateSummary(ctx, session.ID, summary, facts, cut); err != nil {
		slog.Warn("failed to cache summary", "session", session.ID, "error", err)
	}
	return history, nil
}

func (m *Memory) summarize(ctx context.Context, priorSummary string, messages []*store.ChatMessage) (string, []string, error) {
	var b strings.Builder
	if priorSummary != "" {
		b.WriteString("Prior summary:\n")
		b.WriteString(priorSummary)
		b.WriteString("\n\nNew messages:\n")
	}
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}

	result, err := m.client.CompleteJSON(ctx, llms.Request{
		Model: m.model,
		System: `Summarize this conversation for use as context in later turns. Respond with JSON:
{"summary": a compact paragraph covering what was discussed and concluded,
 "key_facts": specific figures, names, and decisions worth preserving verbatim}`,
		Messages:  []llms.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 800,
		Timeout:   20 * time.Second,
	})
	if err != nil {
		return "", nil, err
	}

	summary, _ := result.Parsed["summary"].(string)
	if summary == "" {
		return "", nil, fmt.Errorf("summarizer returned no summary")
	}
	var facts []string
	if raw, ok := result.Parsed["key_facts"].([]interface{}); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok && s != "" {
				facts = append(facts, s)
			}
		}
	}
	return summary, facts, nil
}
