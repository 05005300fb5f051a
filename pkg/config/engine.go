package config

import "fmt"

// RetrievalConfig configures hybrid search and re-ranking.
type RetrievalConfig struct {
	// CandidatePool is the default dense candidate count before fusion.
	CandidatePool int `yaml:"candidate_pool,omitempty"`

	// TopK is the default final result count.
	TopK int `yaml:"top_k,omitempty"`

	// MinSimilarity is the cosine similarity floor for dense results.
	MinSimilarity float64 `yaml:"min_similarity,omitempty"`

	// RRFK is the reciprocal-rank-fusion constant.
	RRFK int `yaml:"rrf_k,omitempty"`

	// RerankerURL is the cross-encoder scoring service endpoint.
	// Empty disables cross-encoder scoring (lexical fallback is used).
	RerankerURL string `yaml:"reranker_url,omitempty"`

	// RerankBatchSize bounds pairs per cross-encoder request.
	RerankBatchSize int `yaml:"rerank_batch_size,omitempty"`

	// RerankScoreFloor is the minimum rerank score for context expansion.
	RerankScoreFloor float64 `yaml:"rerank_score_floor,omitempty"`

	// CompressTokenLimit: narrative chunks above this are compressed to their
	// query-closest sentences before cross-encoder scoring.
	CompressTokenLimit int `yaml:"compress_token_limit,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.CandidatePool == 0 {
		c.CandidatePool = 20
	}
	if c.TopK == 0 {
		c.TopK = 10
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.25
	}
	if c.RRFK == 0 {
		c.RRFK = 60
	}
	if c.RerankBatchSize == 0 {
		c.RerankBatchSize = 32
	}
	if c.RerankScoreFloor == 0 {
		c.RerankScoreFloor = 0.1
	}
	if c.CompressTokenLimit == 0 {
		c.CompressTokenLimit = 400
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.CandidatePool < 1 {
		return fmt.Errorf("candidate_pool must be positive")
	}
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be positive")
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("min_similarity must be within [0,1]")
	}
	return nil
}

// WorkflowConfig configures the workflow generation engine.
type WorkflowConfig struct {
	// DirectTokenLimit: assembled contexts at or below this run in direct
	// mode; larger contexts fall back to map-reduce.
	DirectTokenLimit int `yaml:"direct_token_limit,omitempty"`

	// ContextCharCap is the hard character cap on assembled context.
	ContextCharCap int `yaml:"context_char_cap,omitempty"`

	// MaxValidationRetries bounds corrective re-generation attempts.
	MaxValidationRetries int `yaml:"max_validation_retries,omitempty"`

	// CitationWhitelistCap bounds tokens listed in corrective preambles.
	CitationWhitelistCap int `yaml:"citation_whitelist_cap,omitempty"`

	// TableBonus is the rerank score bonus for table chunks in sections
	// marked prefer_tables.
	TableBonus float64 `yaml:"table_bonus,omitempty"`

	// DiversityShare caps the fraction of a section's chunks drawn from a
	// single document.
	DiversityShare float64 `yaml:"diversity_share,omitempty"`

	// SynthesisTimeoutSeconds extends the LLM read timeout for final
	// synthesis calls.
	SynthesisTimeoutSeconds int `yaml:"synthesis_timeout_seconds,omitempty"`
}

func (c *WorkflowConfig) SetDefaults() {
	if c.DirectTokenLimit == 0 {
		c.DirectTokenLimit = 10000
	}
	if c.ContextCharCap == 0 {
		c.ContextCharCap = 400000
	}
	if c.MaxValidationRetries == 0 {
		c.MaxValidationRetries = 2
	}
	if c.CitationWhitelistCap == 0 {
		c.CitationWhitelistCap = 60
	}
	if c.TableBonus == 0 {
		c.TableBonus = 0.10
	}
	if c.DiversityShare == 0 {
		c.DiversityShare = 0.5
	}
	if c.SynthesisTimeoutSeconds == 0 {
		c.SynthesisTimeoutSeconds = 300
	}
}

func (c *WorkflowConfig) Validate() error {
	if c.DiversityShare <= 0 || c.DiversityShare > 1 {
		return fmt.Errorf("diversity_share must be within (0,1]")
	}
	if c.MaxValidationRetries < 0 {
		return fmt.Errorf("max_validation_retries must be non-negative")
	}
	return nil
}

// ChatConfig configures the chat orchestrator.
type ChatConfig struct {
	// SummarizeThreshold: when a session holds more verbatim messages than
	// this, older messages are folded into the cached summary.
	SummarizeThreshold int `yaml:"summarize_threshold,omitempty"`

	// VerbatimMessages are always kept out of the summary.
	VerbatimMessages int `yaml:"verbatim_messages,omitempty"`

	// ContextTokenBudget bounds the assembled prompt.
	ContextTokenBudget int `yaml:"context_token_budget,omitempty"`

	// NumChunks is the default retrieval size for chat.
	NumChunks int `yaml:"num_chunks,omitempty"`

	// SimilarityThreshold is the default pairing threshold for comparison.
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"`

	// MaxComparisonDocs is the largest document set compared without an
	// explicit client selection.
	MaxComparisonDocs int `yaml:"max_comparison_docs,omitempty"`
}

func (c *ChatConfig) SetDefaults() {
	if c.SummarizeThreshold == 0 {
		c.SummarizeThreshold = 12
	}
	if c.VerbatimMessages == 0 {
		c.VerbatimMessages = 6
	}
	if c.ContextTokenBudget == 0 {
		c.ContextTokenBudget = 24000
	}
	if c.NumChunks == 0 {
		c.NumChunks = 10
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.6
	}
	if c.MaxComparisonDocs == 0 {
		c.MaxComparisonDocs = 3
	}
}

func (c *ChatConfig) Validate() error {
	if c.VerbatimMessages > c.SummarizeThreshold {
		return fmt.Errorf("verbatim_messages (%d) must not exceed summarize_threshold (%d)",
			c.VerbatimMessages, c.SummarizeThreshold)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be within [0,1]")
	}
	return nil
}

// ChunkingConfig configures the section chunker.
type ChunkingConfig struct {
	// MaxTokens is the per-chunk token budget.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// KeyValuePairsPerChunk bounds pairs packed into one key_value chunk.
	KeyValuePairsPerChunk int `yaml:"key_value_pairs_per_chunk,omitempty"`

	// TokenizerModel selects the tiktoken encoding.
	TokenizerModel string `yaml:"tokenizer_model,omitempty"`
}

func (c *ChunkingConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 500
	}
	if c.KeyValuePairsPerChunk == 0 {
		c.KeyValuePairsPerChunk = 100
	}
	if c.TokenizerModel == "" {
		c.TokenizerModel = "gpt-4o"
	}
}

func (c *ChunkingConfig) Validate() error {
	if c.MaxTokens < 50 {
		return fmt.Errorf("max_tokens must be at least 50")
	}
	return nil
}

// PipelineConfig configures the task broker and workers.
type PipelineConfig struct {
	// Broker is "redis" or "memory".
	Broker string `yaml:"broker,omitempty"`

	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`

	// Queue is the broker queue name.
	Queue string `yaml:"queue,omitempty"`

	// Concurrency is the worker pool size.
	Concurrency int `yaml:"concurrency,omitempty"`

	// MaxTaskAttempts bounds retries per task.
	MaxTaskAttempts int `yaml:"max_task_attempts,omitempty"`

	// BackoffBaseSeconds and BackoffCapSeconds shape exponential backoff.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds,omitempty"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds,omitempty"`
}

func (c *PipelineConfig) SetDefaults() {
	if c.Broker == "" {
		c.Broker = "memory"
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.Queue == "" {
		c.Queue = "quarry:tasks"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.MaxTaskAttempts == 0 {
		c.MaxTaskAttempts = 3
	}
	if c.BackoffBaseSeconds == 0 {
		c.BackoffBaseSeconds = 2
	}
	if c.BackoffCapSeconds == 0 {
		c.BackoffCapSeconds = 8
	}
}

func (c *PipelineConfig) Validate() error {
	switch c.Broker {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid broker %q (valid: redis, memory)", c.Broker)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}
