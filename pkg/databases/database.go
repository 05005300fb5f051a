// Package databases provides dense vector store providers.
package databases

import (
	"context"
	"fmt"

	"github.com/docquarry/quarry/pkg/config"
)

// SearchResult is one vector search hit.
type SearchResult struct {
	ID       string
	Score    float32
	Metadata map[string]interface{}
}

// Filter restricts dense search to a document set and/or collection.
// Empty fields mean unfiltered.
type Filter struct {
	DocumentIDs  []string
	CollectionID string
}

// VectorStore is the dense index over chunk embeddings.
type VectorStore interface {
	// Upsert writes a chunk vector with payload metadata.
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]interface{}) error

	// Search returns the topK nearest chunks by cosine similarity under the
	// filter, best first.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error)

	// DeleteByDocument removes all vectors of a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Close releases the connection.
	Close() error
}

// New builds the configured vector store.
func New(cfg config.VectorConfig, dimension int) (VectorStore, error) {
	switch cfg.Type {
	case "qdrant", "":
		return NewQdrantStore(cfg, dimension)
	default:
		return nil, fmt.Errorf("unsupported vector store type %q", cfg.Type)
	}
}
