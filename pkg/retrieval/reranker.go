package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/docquarry/quarry/pkg/config"
	"github.com/docquarry/quarry/pkg/httpclient"
)

// Reranker scores (query, text) pairs. Scores are normalized to [0,1],
// higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// CrossEncoder calls an external re-ranking service speaking the
// text-embeddings-inference wire format: POST /rerank with
// {"query": ..., "texts": [...]} returning [{"index": i, "score": s}].
// Raw scores are squashed through a sigmoid. When no service is configured
// or a call fails, scoring falls back to word-overlap Jaccard so retrieval
// degrades instead of failing.
type CrossEncoder struct {
	url       string
	batchSize int
	client    *httpclient.Client
}

func NewCrossEncoder(cfg config.RetrievalConfig) *CrossEncoder {
	return &CrossEncoder{
		url:       cfg.RerankerURL,
		batchSize: cfg.RerankBatchSize,
		client:    httpclient.New(httpclient.WithMaxRetries(2)),
	}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (r *CrossEncoder) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if r.url == "" {
		return jaccardScores(query, texts), nil
	}

	scores := make([]float64, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		end := start + r.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := r.scoreBatch(ctx, query, texts[start:end])
		if err != nil {
			slog.Warn("cross-encoder unavailable, falling back to lexical overlap", "error", err)
			return jaccardScores(query, texts), nil
		}
		copy(scores[start:], batch)
	}
	return scores, nil
}

// ScorePairs scores arbitrary (a, b) text pairs, used by comparison
// pairing. Pairs sharing the same left side are grouped into one request.
func (r *CrossEncoder) ScorePairs(ctx context.Context, pairs [][2]string) ([]float64, error) {
	scores := make([]float64, len(pairs))
	if r.url == "" {
		for i, p := range pairs {
			scores[i] = jaccard(p[0], p[1])
		}
		return scores, nil
	}

	// Group by anchor so each distinct left side costs one request.
	byAnchor := map[string][]int{}
	order := []string{}
	for i, p := range pairs {
		if _, seen := byAnchor[p[0]]; !seen {
			order = append(order, p[0])
		}
		byAnchor[p[0]] = append(byAnchor[p[0]], i)
	}

	for _, anchor := range order {
		indexes := byAnchor[anchor]
		texts := make([]string, len(indexes))
		for j, idx := range indexes {
			texts[j] = pairs[idx][1]
		}
		batch, err := r.Rerank(ctx, anchor, texts)
		if err != nil {
			return nil, err
		}
		for j, idx := range indexes {
			scores[idx] = batch[j]
		}
	}
	return scores, nil
}

func (r *CrossEncoder) scoreBatch(ctx context.Context, query string, texts []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(r.url, "/")+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, string(data))
	}

	var ranked []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&ranked); err != nil {
		return nil, fmt.Errorf("failed to decode reranker response: %w", err)
	}

	scores := make([]float64, len(texts))
	for _, rs := range ranked {
		if rs.Index >= 0 && rs.Index < len(scores) {
			scores[rs.Index] = sigmoid(rs.Score)
		}
	}
	return scores, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func jaccardScores(query string, texts []string) []float64 {
	scores := make([]float64, len(texts))
	for i, t := range texts {
		scores[i] = jaccard(query, t)
	}
	return scores
}

// jaccard computes word-level set overlap, case-folded.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()[]\"'")
		if len(w) > 1 {
			out[w] = true
		}
	}
	return out
}
