package databases

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/docquarry/quarry/pkg/config"
)

// pointID maps a structured chunk id to a stable UUID, since qdrant point
// ids must be UUIDs or integers.
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

// QdrantStore implements VectorStore on a qdrant collection. Chunk payloads
// carry document_id and collection_ids for filtered search.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore connects to qdrant. The collection is created lazily on
// first write so read-only deployments don't need create permissions.
func NewQdrantStore(cfg config.VectorConfig, dimension int) (*QdrantStore, error) {
	useTLS := false
	if cfg.EnableTLS != nil {
		useTLS = *cfg.EnableTLS
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dimension:  dimension,
	}, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.CollectionExists(ctx, s.collection)
		if err != nil {
			s.ensureErr = fmt.Errorf("failed to check collection: %w", err)
			return
		}
		if exists {
			return
		}
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			s.ensureErr = fmt.Errorf("failed to create collection: %w", err)
		}
	})
	return s.ensureErr
}

func (s *QdrantStore) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]interface{}) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for key, value := range metadata {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
		}
		payload[key] = val
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(pointID(id)),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]SearchResult, error) {
	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cond := buildFilter(filter); cond != nil {
		query.Filter = cond
	}

	points, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		metadata := make(map[string]interface{}, len(p.Payload))
		for k, v := range p.Payload {
			metadata[k] = flattenValue(v)
		}
		results = append(results, SearchResult{
			ID:       payloadString(metadata, "chunk_id"),
			Score:    p.Score,
			Metadata: metadata,
		})
	}
	return results, nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("document_id", documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func buildFilter(filter Filter) *qdrant.Filter {
	var must []*qdrant.Condition
	if len(filter.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("document_id", filter.DocumentIDs...))
	}
	if filter.CollectionID != "" {
		must = append(must, qdrant.NewMatchKeywords("collection_ids", filter.CollectionID))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func flattenValue(v *qdrant.Value) interface{} {
	switch kind := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := make([]interface{}, 0, len(kind.ListValue.Values))
		for _, item := range kind.ListValue.Values {
			items = append(items, flattenValue(item))
		}
		return items
	default:
		return nil
	}
}

func payloadString(metadata map[string]interface{}, key string) string {
	if s, ok := metadata[key].(string); ok {
		return s
	}
	return ""
}
