package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docquarry/quarry/pkg/chunks"
	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/llms"
	"github.com/docquarry/quarry/pkg/pipeline"
	"github.com/docquarry/quarry/pkg/retrieval"
	"github.com/docquarry/quarry/pkg/store"
	"github.com/docquarry/quarry/pkg/tokens"
)

const (
	maxMessageChars = 8000

	// interruptionMarker is appended to a partial answer persisted after a
	// mid-stream failure.
	interruptionMarker = "\n\n[response interrupted]"
)

// Chat orchestrates a session turn: memory, understanding, retrieval or
// comparison, prompt assembly under a token budget, streaming, and
// persistence.
type Chat struct {
	cfg      config.ChatConfig
	store    *store.Store
	client   llms.Client
	engine   Searcher
	memory   *Memory
	comparer *Comparer
	counter  *tokens.Counter

	model      string
	cheapModel string
}

func New(cfg config.ChatConfig, llmCfg config.LLMConfig, st *store.Store, client llms.Client, engine Searcher, scorer PairScorer, counter *tokens.Counter) *Chat {
	return &Chat{
		cfg:        cfg,
		store:      st,
		client:     client,
		engine:     engine,
		memory:     NewMemory(cfg, st, client, llmCfg.CheapModel),
		comparer:   NewComparer(cfg, engine, scorer),
		counter:    counter,
		model:      llmCfg.Model,
		cheapModel: llmCfg.CheapModel,
	}
}

// TurnOptions carries optional per-turn parameters. SelectedDocIDs answers
// a prior comparison_selection event. NumChunks and SimilarityThreshold
// override the configured retrieval defaults: zero means "use the default",
// and out-of-range values fall back to the defaults with a warning.
type TurnOptions struct {
	SelectedDocIDs      []string
	NumChunks           int
	SimilarityThreshold float64
}

// maxNumChunks bounds a per-turn num_chunks override.
const maxNumChunks = 50

// resolve clamps the per-turn overrides against the configured defaults.
func (c *Chat) resolve(opts TurnOptions) (numChunks int, threshold float64) {
	numChunks = c.cfg.NumChunks
	switch {
	case opts.NumChunks == 0:
	case opts.NumChunks < 1 || opts.NumChunks > maxNumChunks:
		slog.Warn("num_chunks out of range, using default",
			"requested", opts.NumChunks, "default", c.cfg.NumChunks)
	default:
		numChunks = opts.NumChunks
	}

	threshold = c.cfg.SimilarityThreshold
	switch {
	case opts.SimilarityThreshold == 0:
	case opts.SimilarityThreshold < 0 || opts.SimilarityThreshold > 1:
		slog.Warn("similarity_threshold out of range, using default",
			"requested", opts.SimilarityThreshold, "default", c.cfg.SimilarityThreshold)
	default:
		threshold = opts.SimilarityThreshold
	}
	return numChunks, threshold
}

// Ask runs one turn and streams events. The returned channel is closed
// after a terminal event (end always follows error).
func (c *Chat) Ask(ctx context.Context, sessionID, message string, opts TurnOptions) (<-chan Event, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is empty")
	}
	if len(message) > maxMessageChars {
		message = message[:maxMessageChars]
	}

	session, err := c.store.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.run(ctx, events, session, message, opts)
		events <- Event{Type: EventEnd}
	}()
	return events, nil
}

func (c *Chat) run(ctx context.Context, events chan<- Event, session *store.ChatSession, message string, opts TurnOptions) {
	numChunks, threshold := c.resolve(opts)

	if IsLowSignal(message) {
		reply := CannedReply(message)
		events <- Event{Type: EventText, Text: reply}
		c.persist(ctx, session, message, reply, nil, nil, nil, llms.Usage{})
		return
	}

	history, err := c.memory.Load(ctx, session)
	if err != nil {
		c.fail(events, pipeline.Fail("chat", pipeline.ErrStorage, err))
		return
	}

	u := retrieval.Understand(ctx, c.client, c.cheapModel, message, conversationHint(history))

	docs, err := c.store.SessionDocuments(ctx, session.ID)
	if err != nil {
		c.fail(events, pipeline.Fail("chat", pipeline.ErrStorage, err))
		return
	}

	var (
		scored     []retrieval.ScoredChunk
		comparison *ComparisonContext
	)
	if u.QueryType == retrieval.QueryComparison && len(docs) >= 2 {
		targets, needSelection := c.selectComparisonDocs(docs, u.Entities, opts.SelectedDocIDs)
		if needSelection != nil {
			events <- Event{Type: EventComparisonSelection, Selection: needSelection}
			return
		}
		cc, perDoc, cmpErr := c.comparer.Compare(ctx, u, targets, threshold)
		if cmpErr != nil {
			c.fail(events, pipeline.Fail("chat", pipeline.ErrRetrieval, cmpErr))
			return
		}
		comparison = cc
		events <- Event{Type: EventComparisonContext, Comparison: cc}
		scored = interleave(perDoc)
	} else {
		scope := retrieval.Scope{DocumentIDs: session.DocumentIDs, CollectionID: session.CollectionID}
		scored, err = c.engine.Search(ctx, u, scope)
		if err != nil {
			c.fail(events, pipeline.Fail("chat", pipeline.ErrRetrieval, err))
			return
		}
	}

	if len(scored) > numChunks && comparison == nil {
		scored = scored[:numChunks]
	}
	scored, history = c.enforceBudget(scored, history)

	req := c.buildRequest(message, history, scored, comparison, docs)
	refs := citationRefs(scored, docs)

	answer, usage, streamErr := c.relay(ctx, events, req)
	if streamErr != nil {
		if answer != "" {
			answer += interruptionMarker
			c.persist(ctx, session, message, answer, scored, docs, comparison, usage)
		}
		c.fail(events, pipeline.Fail("chat", pipeline.ErrLLM, streamErr))
		return
	}

	c.persist(ctx, session, message, answer, scored, docs, comparison, usage)
	events <- Event{Type: EventCitations, Citations: refs}
	events <- Event{Type: EventUsage, Usage: &usage}
}

// selectComparisonDocs resolves which documents a comparison covers. A nil
// SelectionRequest means targets are final; otherwise the client must pick.
func (c *Chat) selectComparisonDocs(docs []*store.Document, entities, selectedDocIDs []string) ([]*store.Document, *SelectionRequest) {
	if len(selectedDocIDs) > 0 {
		byID := make(map[string]*store.Document, len(docs))
		for _, d := range docs {
			byID[d.ID] = d
		}
		var targets []*store.Document
		for _, id := range selectedDocIDs {
			if d, ok := byID[id]; ok {
				targets = append(targets, d)
			}
			if len(targets) == c.cfg.MaxComparisonDocs {
				break
			}
		}
		if len(targets) >= 2 {
			return targets, nil
		}
		// A bad selection falls through to the normal resolution below.
	}

	if len(docs) <= c.cfg.MaxComparisonDocs {
		return docs, nil
	}

	named := MatchDocuments(entities, docs)
	if len(named) >= 2 && len(named) <= c.cfg.MaxComparisonDocs {
		return named, nil
	}

	// When the user named more documents than the cap, the selection
	// prompt offers only those; otherwise it offers the whole session.
	pool := docs
	if len(named) > c.cfg.MaxComparisonDocs {
		pool = named
	}
	sel := &SelectionRequest{MaxDocs: c.cfg.MaxComparisonDocs}
	for i, d := range pool {
		sel.Options = append(sel.Options, ComparisonDoc{ID: d.ID, Filename: d.Filename})
		if i < c.cfg.MaxComparisonDocs {
			sel.Preselected = append(sel.Preselected, d.ID)
		}
	}
	return nil, sel
}

// enforceBudget fits the prompt into ContextTokenBudget. Low-ranked chunks
// go first, then the summary is truncated. Recent messages are never cut.
func (c *Chat) enforceBudget(scored []retrieval.ScoredChunk, history *History) ([]retrieval.ScoredChunk, *History) {
	budget := c.cfg.ContextTokenBudget

	fixed := 0
	for _, m := range history.Recent {
		fixed += c.counter.Estimate(m.Content)
	}
	summaryTokens := c.counter.Estimate(history.Summary)
	for _, f := range history.KeyFacts {
		summaryTokens += c.counter.Estimate(f)
	}

	chunkTokens := make([]int, len(scored))
	total := fixed + summaryTokens
	for i, sc := range scored {
		chunkTokens[i] = c.counter.Estimate(sc.Chunk.Content())
		total += chunkTokens[i]
	}

	for total > budget && len(scored) > 1 {
		last := len(scored) - 1
		total -= chunkTokens[last]
		scored = scored[:last]
		chunkTokens = chunkTokens[:last]
	}

	if total > budget && history.Summary != "" {
		over := total - budget
		keep := summaryTokens - over
		if keep < 0 {
			keep = 0
		}
		trimmed := *history
		trimmed.Summary = llms.TruncateMiddle(history.Summary, keep*4)
		trimmed.KeyFacts = nil
		history = &trimmed
	}
	return scored, history
}

const chatSystem = `You answer questions about the user's documents using only the provided source excerpts.
Each excerpt is labeled [ref:XXXXXXXX]. When you state a fact from an excerpt, mention its label so the answer can be traced.
If the sources do not contain the answer, say so. Never invent figures.`

const comparisonSystem = `You compare the user's documents using only the provided source excerpts.
Documents are labeled (Document A, Document B, ...). Organize the answer by topic, noting agreements and differences, and mention excerpt labels [ref:XXXXXXXX] for traceability.
If the sources do not contain the answer, say so. Never invent figures.`

func (c *Chat) buildRequest(message string, history *History, scored []retrieval.ScoredChunk, comparison *ComparisonContext, docs []*store.Document) llms.Request {
	docNames := make(map[string]string, len(docs))
	for _, d := range docs {
		docNames[d.ID] = d.Filename
	}
	docLabels := map[string]string{}
	system := chatSystem
	if comparison != nil {
		system = comparisonSystem
		for _, d := range comparison.Documents {
			docLabels[d.ID] = d.Label
		}
	}

	var b strings.Builder
	if history.Summary != "" {
		b.WriteString("Conversation so far:\n")
		b.WriteString(history.Summary)
		b.WriteString("\n")
		for _, f := range history.KeyFacts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Source excerpts:\n\n")
	for _, sc := range scored {
		ch := sc.Chunk
		label := docNames[ch.DocumentID]
		if l, ok := docLabels[ch.DocumentID]; ok {
			label = l + ", " + label
		}
		fmt.Fprintf(&b, "[ref:%s] (%s, p.%d", ch.Ref(), label, citationPage(ch))
		if ch.SectionHeading != "" {
			b.WriteString(", ")
			b.WriteString(ch.SectionHeading)
		}
		b.WriteString(")\n")
		b.WriteString(ch.Content())
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", message)

	messages := make([]llms.Message, 0, len(history.Recent)+1)
	for _, m := range history.Recent {
		messages = append(messages, llms.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llms.Message{Role: "user", Content: b.String()})

	return llms.Request{
		Model:       c.model,
		System:      system,
		CacheSystem: true,
		Messages:    messages,
	}
}

// relay forwards stream events to the client, accumulating the answer text
// and final usage.
func (c *Chat) relay(ctx context.Context, events chan<- Event, req llms.Request) (string, llms.Usage, error) {
	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		return "", llms.Usage{}, err
	}

	var answer strings.Builder
	var usage llms.Usage
	for ev := range stream {
		switch ev.Type {
		case llms.StreamText:
			answer.WriteString(ev.Text)
			events <- Event{Type: EventText, Text: ev.Text}
		case llms.StreamUsage:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		case llms.StreamError:
			return answer.String(), usage, ev.Err
		}
	}
	return answer.String(), usage, nil
}

func (c *Chat) persist(ctx context.Context, session *store.ChatSession, question, answer string, scored []retrieval.ScoredChunk, docs []*store.Document, comparison *ComparisonContext, usage llms.Usage) {
	assistant := &store.ChatMessage{
		Role:         "assistant",
		Content:      answer,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
	}
	if len(scored) > 0 {
		refs := citationRefs(scored, docs)
		if raw, err := json.Marshal(refs); err == nil {
			assistant.CitationsJSON = string(raw)
		}
		for _, sc := range scored {
			assistant.SourceChunkIDs = append(assistant.SourceChunkIDs, sc.Chunk.ChunkID)
		}
	}
	if comparison != nil {
		if raw, err := json.Marshal(comparison); err == nil {
			assistant.ComparisonJSON = string(raw)
		}
	}

	user := &store.ChatMessage{Role: "user", Content: question}
	if err := c.store.AppendExchange(ctx, session.ID, user, assistant); err != nil {
		slog.Error("failed to persist chat exchange", "session", session.ID, "error", err)
	}
}

func (c *Chat) fail(events chan<- Event, err *pipeline.StageError) {
	slog.Error("chat turn failed", "stage", err.Stage, "type", string(err.Type), "error", err)
	events <- Event{Type: EventError, Error: string(err.Type)}
}

// interleave merges per-document result lists round-robin so every compared
// document keeps representation after budget cuts.
func interleave(perDoc [][]retrieval.ScoredChunk) []retrieval.ScoredChunk {
	var out []retrieval.ScoredChunk
	for i := 0; ; i++ {
		added := false
		for _, docChunks := range perDoc {
			if i < len(docChunks) {
				out = append(out, docChunks[i])
				added = true
			}
		}
		if !added {
			return out
		}
	}
}

func citationRefs(scored []retrieval.ScoredChunk, docs []*store.Document) []CitationRef {
	names := map[string]string{}
	for _, d := range docs {
		names[d.ID] = d.Filename
	}
	refs := make([]CitationRef, 0, len(scored))
	for _, sc := range scored {
		ch := sc.Chunk
		refs = append(refs, CitationRef{
			Ref:            ch.Ref(),
			ChunkID:        ch.ChunkID,
			DocumentID:     ch.DocumentID,
			Filename:       names[ch.DocumentID],
			Page:           citationPage(ch),
			BBox:           ch.BBox,
			SectionHeading: ch.SectionHeading,
			Snippet:        chunks.FirstSentence(ch.Text, 200),
		})
	}
	return refs
}

// citationPage prefers the bbox page when present.
func citationPage(c *chunks.Chunk) int {
	if c.BBox != nil && c.BBox.Page > 0 {
		return c.BBox.Page
	}
	return c.Page
}

func conversationHint(history *History) string {
	recent := history.Recent
	if len(recent) > 4 {
		recent = recent[len(recent)-4:]
	}
	var b strings.Builder
	for _, m := range recent {
		content := m.Content
		if len(content) > 300 {
			content = content[:300]
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}
