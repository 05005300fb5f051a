package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CachePut stores a payload under a key, replacing any prior entry.
func (s *Store) CachePut(ctx context.Context, key, payload string, ttl time.Duration) error {
	now := time.Now().UTC()
	var expires interface{}
	if ttl != 0 {
		expires = now.Add(ttl)
	}
	if _, err := s.exec(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("failed to replace cache entry: %w", err)
	}
	_, err := s.exec(ctx, `
INSERT INTO cache_entries (cache_key, payload, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		key, payload, now, expires)
	if err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}
	return nil
}

// CacheGet returns the payload, or ErrNotFound when missing or expired.
func (s *Store) CacheGet(ctx context.Context, key string) (string, error) {
	var payload string
	var expires sql.NullTime
	err := s.queryRow(ctx, `
SELECT payload, expires_at FROM cache_entries WHERE cache_key = ?`, key).Scan(&payload, &expires)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read cache entry: %w", err)
	}
	if expires.Valid && time.Now().UTC().After(expires.Time) {
		_, _ = s.exec(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key)
		return "", ErrNotFound
	}
	return payload, nil
}

// EnsureUser upserts a user row so usage counters have somewhere to land.
func (s *Store) EnsureUser(ctx context.Context, userID, orgID, email string) error {
	query := `INSERT INTO users (id, org_id, email, created_at) VALUES (?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT (id) DO NOTHING`
	} else {
		query = "INSERT OR IGNORE" + query[len("INSERT"):]
	}
	_, err := s.exec(ctx, query, userID, orgID, nullable(email), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// AddUserPages bumps page usage counters after a successful parse.
func (s *Store) AddUserPages(ctx context.Context, userID string, pages int) error {
	_, err := s.exec(ctx, `
UPDATE users SET pages_this_month = pages_this_month + ?, total_pages_processed = total_pages_processed + ?
WHERE id = ?`, pages, pages, userID)
	if err != nil {
		return fmt.Errorf("failed to add user pages: %w", err)
	}
	return nil
}
