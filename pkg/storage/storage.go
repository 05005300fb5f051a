// Package storage persists pipeline artifacts behind a backend-agnostic
// pointer. Small payloads are stored inline in the pointer itself; larger
// ones go to a backend keyed by an opaque string.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// Pointer describes where an artifact lives. Exactly one of Inline or
// (Backend, Key) is set.
type Pointer struct {
	Backend     string          `json:"backend,omitempty"`
	Key         string          `json:"key,omitempty"`
	Size        int64           `json:"size,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Inline      json.RawMessage `json:"inline,omitempty"`
}

// IsInline reports whether the payload is carried in the pointer.
func (p *Pointer) IsInline() bool { return len(p.Inline) > 0 }

// IsZero reports whether the pointer references nothing.
func (p *Pointer) IsZero() bool {
	return p == nil || (len(p.Inline) == 0 && p.Key == "")
}

// Backend stores and retrieves artifact bytes.
type Backend interface {
	// Name identifies the backend in pointers.
	Name() string

	// Store writes data under key.
	Store(ctx context.Context, key string, data []byte, contentType string) error

	// Load reads the bytes for key.
	Load(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Store is the artifact store used by pipelines: it decides inline vs.
// backend placement and resolves pointers back to bytes.
type Store struct {
	backend         Backend
	inlineThreshold int
}

// New builds a Store. inlineThreshold of 0 disables inline storage.
func New(backend Backend, inlineThreshold int) *Store {
	return &Store{backend: backend, inlineThreshold: inlineThreshold}
}

// Put persists data and returns a pointer to it.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (*Pointer, error) {
	if s.inlineThreshold > 0 && len(data) <= s.inlineThreshold && contentType == "application/json" && json.Valid(data) {
		return &Pointer{Inline: json.RawMessage(data), Size: int64(len(data)), ContentType: contentType}, nil
	}
	if err := s.backend.Store(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("failed to store artifact %q: %w", key, err)
	}
	return &Pointer{
		Backend:     s.backend.Name(),
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
	}, nil
}

// PutJSON marshals v and persists it as application/json.
func (s *Store) PutJSON(ctx context.Context, key string, v interface{}) (*Pointer, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact %q: %w", key, err)
	}
	return s.Put(ctx, key, data, "application/json")
}

// Get resolves a pointer to its bytes.
func (s *Store) Get(ctx context.Context, p *Pointer) ([]byte, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("artifact pointer is empty")
	}
	if p.IsInline() {
		return p.Inline, nil
	}
	if p.Backend != s.backend.Name() {
		return nil, fmt.Errorf("artifact backend %q not available (have %q)", p.Backend, s.backend.Name())
	}
	data, err := s.backend.Load(ctx, p.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact %q: %w", p.Key, err)
	}
	return data, nil
}

// GetJSON resolves a pointer and unmarshals it into v.
func (s *Store) GetJSON(ctx context.Context, p *Pointer, v interface{}) error {
	data, err := s.Get(ctx, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %q: %w", p.Key, err)
	}
	return nil
}

// Remove deletes the artifact a pointer references. Inline pointers are a
// no-op: the payload dies with the owning record.
func (s *Store) Remove(ctx context.Context, p *Pointer) error {
	if p.IsZero() || p.IsInline() {
		return nil
	}
	if err := s.backend.Delete(ctx, p.Key); err != nil {
		return fmt.Errorf("failed to delete artifact %q: %w", p.Key, err)
	}
	return nil
}

// ExportKey builds the date-hierarchical key used for rendered exports:
// exports/{workflow}/{YYYY}/{MM}/{DD}/{runID}_{ts}_{filename}.
func ExportKey(workflowName, runID, filename string, now time.Time) string {
	return path.Join(
		"exports",
		workflowName,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
		fmt.Sprintf("%s_%d_%s", runID, now.Unix(), filename),
	)
}
