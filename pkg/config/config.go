// Package config defines the yaml configuration surface for quarry.
//
// Every section follows the same contract: SetDefaults fills zero values,
// Validate rejects impossible configurations. Load applies env-var expansion
// (${VAR}, ${VAR:-default}) before unmarshaling so secrets never live in yaml.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a quarry deployment.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Database  DatabaseConfig  `yaml:"database,omitempty"`
	Vector    VectorConfig    `yaml:"vector,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	LLM       LLMConfig       `yaml:"llm,omitempty"`
	Embedder  EmbedderConfig  `yaml:"embedder,omitempty"`
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`
	Workflow  WorkflowConfig  `yaml:"workflow,omitempty"`
	Chat      ChatConfig      `yaml:"chat,omitempty"`
	Chunking  ChunkingConfig  `yaml:"chunking,omitempty"`
	Pipeline  PipelineConfig  `yaml:"pipeline,omitempty"`
	Tracing   TracingConfig   `yaml:"tracing,omitempty"`
	LogLevel  string          `yaml:"log_level,omitempty"`
}

// TracingConfig configures OpenTelemetry span export. Disabled by default;
// when enabled, spans go to an OTLP/gRPC collector.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

func (c *TracingConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.ServiceName == "" {
		c.ServiceName = "quarry"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

func (c *TracingConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be within [0,1]")
	}
	return nil
}

// Load reads, expands, and validates a configuration file.
// An empty path yields a default configuration.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
		expanded := ExpandEnvVarsInData(raw)
		normalized, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
		}
		if err := yaml.Unmarshal(normalized, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Vector.SetDefaults()
	c.Storage.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Workflow.SetDefaults()
	c.Chat.SetDefaults()
	c.Chunking.SetDefaults()
	c.Pipeline.SetDefaults()
	c.Tracing.SetDefaults()
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"vector", c.Vector.Validate},
		{"storage", c.Storage.Validate},
		{"llm", c.LLM.Validate},
		{"embedder", c.Embedder.Validate},
		{"retrieval", c.Retrieval.Validate},
		{"workflow", c.Workflow.Validate},
		{"chat", c.Chat.Validate},
		{"chunking", c.Chunking.Validate},
		{"pipeline", c.Pipeline.Validate},
		{"tracing", c.Tracing.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("config section %q: %w", v.name, err)
		}
	}
	return nil
}

// BoolPtr returns a pointer to the given bool. Used for tri-state yaml fields.
func BoolPtr(b bool) *bool { return &b }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(f float64) *float64 { return &f }
