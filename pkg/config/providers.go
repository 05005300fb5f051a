package config

import (
	"fmt"
	"os"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// MaxUploadBytes bounds document upload size.
	MaxUploadBytes int64 `yaml:"max_upload_bytes,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 100 << 20
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Dialect is "sqlite" or "postgres".
	Dialect string `yaml:"dialect,omitempty"`

	// DSN is the driver connection string. For sqlite this is a file path.
	DSN string `yaml:"dsn,omitempty"`

	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`
}

func (c *DatabaseConfig) SetDefaults() {
	if c.Dialect == "" {
		c.Dialect = "sqlite"
	}
	if c.DSN == "" && c.Dialect == "sqlite" {
		c.DSN = ".quarry/quarry.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
}

func (c *DatabaseConfig) Validate() error {
	switch c.Dialect {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid dialect %q (valid: sqlite, postgres)", c.Dialect)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required for dialect %q", c.Dialect)
	}
	return nil
}

// VectorConfig configures the dense vector store.
type VectorConfig struct {
	// Type is the vector store type. Only "qdrant" is supported.
	Type string `yaml:"type,omitempty"`

	Host      string `yaml:"host,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	EnableTLS *bool  `yaml:"enable_tls,omitempty"`

	// Collection is the qdrant collection holding chunk vectors.
	Collection string `yaml:"collection,omitempty"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "qdrant"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.EnableTLS == nil {
		c.EnableTLS = BoolPtr(false)
	}
	if c.Collection == "" {
		c.Collection = "quarry_chunks"
	}
}

func (c *VectorConfig) Validate() error {
	if c.Type != "qdrant" {
		return fmt.Errorf("invalid vector store type %q (valid: qdrant)", c.Type)
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// StorageConfig configures the artifact store.
type StorageConfig struct {
	// Backend is "local". Artifacts below InlineThreshold are stored inline
	// in the owning record regardless of backend.
	Backend string `yaml:"backend,omitempty"`

	// BasePath is the root directory for the local backend.
	BasePath string `yaml:"base_path,omitempty"`

	// InlineThreshold is the max payload size (bytes) stored inline.
	InlineThreshold int `yaml:"inline_threshold,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "local"
	}
	if c.BasePath == "" {
		c.BasePath = ".quarry/artifacts"
	}
	if c.InlineThreshold == 0 {
		c.InlineThreshold = 16 << 10
	}
}

func (c *StorageConfig) Validate() error {
	if c.Backend != "local" {
		return fmt.Errorf("invalid storage backend %q (valid: local)", c.Backend)
	}
	return nil
}

// LLMConfig configures the LLM provider.
type LLMConfig struct {
	// Provider type. Only "anthropic" is supported.
	Provider string `yaml:"provider,omitempty"`

	// Model is the default generation model.
	Model string `yaml:"model,omitempty"`

	// CheapModel handles query understanding, summarization, and map passes.
	CheapModel string `yaml:"cheap_model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`

	// TimeoutSeconds is the per-call read timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// MaxRetries bounds retry attempts on 429/5xx.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryDelaySeconds is the backoff base delay.
	RetryDelaySeconds int `yaml:"retry_delay_seconds,omitempty"`

	// PromptCaching submits system prompts as cacheable blocks.
	PromptCaching *bool `yaml:"prompt_caching,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "anthropic"
	}
	if c.Model == "" {
		c.Model = "claude-sonnet-4-20250514"
	}
	if c.CheapModel == "" {
		c.CheapModel = "claude-3-5-haiku-20241022"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.anthropic.com"
	}
	if c.Temperature == nil {
		c.Temperature = Float64Ptr(0.2)
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelaySeconds == 0 {
		c.RetryDelaySeconds = 2
	}
	if c.PromptCaching == nil {
		c.PromptCaching = BoolPtr(true)
	}
}

func (c *LLMConfig) Validate() error {
	if c.Provider != "anthropic" {
		return fmt.Errorf("invalid provider %q (valid: anthropic)", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (set ANTHROPIC_API_KEY)")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// EmbedderConfig configures the embedding provider.
type EmbedderConfig struct {
	// Provider type. Only "openai" is supported.
	Provider string `yaml:"provider,omitempty"`

	Model     string `yaml:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Dimension int    `yaml:"dimension,omitempty"`
	BatchSize int    `yaml:"batch_size,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-large":
			c.Dimension = 3072
		default:
			c.Dimension = 1536
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
}

func (c *EmbedderConfig) Validate() error {
	if c.Provider != "openai" {
		return fmt.Errorf("invalid provider %q (valid: openai)", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (set OPENAI_API_KEY)")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}
