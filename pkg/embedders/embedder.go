// Package embedders provides embedding providers for ingestion and
// query-time encoding.
package embedders

import (
	"context"
	"fmt"

	"github.com/docquarry/quarry/pkg/config"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	// Embed encodes a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch encodes texts in provider-sized batches, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector width, fixed per deployment.
	Dimension() int
}

// New builds the configured embedder.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder provider %q", cfg.Provider)
	}
}
