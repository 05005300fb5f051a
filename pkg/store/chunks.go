package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docquarry/quarry/pkg/chunks"
)

// LexicalHit is a keyword search match.
type LexicalHit struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

// PutChunks replaces a document's chunks in one transaction, keeping the
// full-text index in sync.
func (s *Store) PutChunks(ctx context.Context, documentID string, list []*chunks.Chunk) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_chunks WHERE document_id = ?`), documentID); err != nil {
			return fmt.Errorf("failed to clear existing chunks: %w", err)
		}
		if s.dialect == "sqlite" && s.fts {
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_chunks_fts WHERE document_id = ?`), documentID); err != nil {
				return fmt.Errorf("failed to clear FTS rows: %w", err)
			}
		}

		insert := `
INSERT INTO document_chunks (chunk_id, document_id, chunk_index, chunk_json, text_content,
                             kind, section_id, page, token_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if s.dialect == "postgres" {
			insert = `
INSERT INTO document_chunks (chunk_id, document_id, chunk_index, chunk_json, text_content,
                             kind, section_id, page, token_count, tsv)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, to_tsvector('english', ?))`
		}

		for _, c := range list {
			data, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("failed to encode chunk %s: %w", c.ChunkID, err)
			}
			args := []interface{}{
				c.ChunkID, documentID, c.Index, string(data), c.Content(),
				string(c.Kind), c.SectionID, c.Page, c.TokenCount,
			}
			if s.dialect == "postgres" {
				args = append(args, c.Content())
			}
			if _, err := tx.ExecContext(ctx, s.rebind(insert), args...); err != nil {
				return fmt.Errorf("failed to insert chunk %s: %w", c.ChunkID, err)
			}
			if s.dialect == "sqlite" && s.fts {
				if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO document_chunks_fts (chunk_id, document_id, text_content) VALUES (?, ?, ?)`),
					c.ChunkID, documentID, c.Content()); err != nil {
					return fmt.Errorf("failed to index chunk %s: %w", c.ChunkID, err)
				}
			}
		}
		return nil
	})
}

// Chunks fetches chunks by id, preserving request order and silently
// skipping unknown ids.
func (s *Store) Chunks(ctx context.Context, ids []string) ([]*chunks.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(ctx, `
SELECT chunk_json FROM document_chunks WHERE chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*chunks.Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*chunks.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// DocumentChunks returns all of a document's chunks in index order.
func (s *Store) DocumentChunks(ctx context.Context, documentID string) ([]*chunks.Chunk, error) {
	rows, err := s.query(ctx, `
SELECT chunk_json FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*chunks.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SectionChunks returns a section's chunks in index order, used by the
// context expander to walk continuation chains.
func (s *Store) SectionChunks(ctx context.Context, documentID, sectionID string) ([]*chunks.Chunk, error) {
	rows, err := s.query(ctx, `
SELECT chunk_json FROM document_chunks
WHERE document_id = ? AND section_id = ? ORDER BY chunk_index`, documentID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query section chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*chunks.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LexicalSearch runs keyword full-text search scoped to the given documents.
// Scores are normalized so higher is better in both dialects.
func (s *Store) LexicalSearch(ctx context.Context, queryText string, documentIDs []string, limit int) ([]LexicalHit, error) {
	if s.dialect == "sqlite" && !s.fts {
		return nil, nil
	}
	terms := ftsQuery(queryText)
	if terms == "" || len(documentIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(documentIDs)), ",")
	args := []interface{}{terms}
	for _, id := range documentIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	var query string
	switch s.dialect {
	case "postgres":
		query = `
SELECT chunk_id, document_id, ts_rank(tsv, plainto_tsquery('english', ?)) AS score
FROM document_chunks
WHERE tsv @@ plainto_tsquery('english', ?) AND document_id IN (` + placeholders + `)
ORDER BY score DESC LIMIT ?`
		// The tsquery appears twice in the statement.
		args = append([]interface{}{terms}, args...)
	default:
		// bm25 returns lower-is-better; negate it.
		query = `
SELECT chunk_id, document_id, -bm25(document_chunks_fts) AS score
FROM document_chunks_fts
WHERE document_chunks_fts MATCH ? AND document_id IN (` + placeholders + `)
ORDER BY score DESC LIMIT ?`
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func scanChunk(rows *sql.Rows) (*chunks.Chunk, error) {
	var data string
	if err := rows.Scan(&data); err != nil {
		return nil, err
	}
	var c chunks.Chunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to decode chunk: %w", err)
	}
	return &c, nil
}

// ftsQuery sanitizes user text into a conjunction-free term list that both
// FTS5 and plainto_tsquery accept.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			if r == '"' || r == '\'' || r == '*' || r == '(' || r == ')' || r == ':' || r == '^' {
				return -1
			}
			return r
		}, f)
		if f != "" {
			terms = append(terms, `"`+f+`"`)
		}
	}
	return strings.Join(terms, " ")
}
