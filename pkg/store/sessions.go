package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a session and attaches its documents.
func (s *Store) CreateSession(ctx context.Context, session *ChatSession) error {
	now := time.Now().UTC()
	session.CreatedAt, session.UpdatedAt = now, now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO chat_sessions (id, user_id, org_id, collection_id, message_count,
                           summary, summary_key_facts, last_summarized_index, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, NULL, NULL, 0, ?, ?)`),
			session.ID, session.UserID, session.OrgID, nullable(session.CollectionID),
			session.CreatedAt, session.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		for i, docID := range session.DocumentIDs {
			_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO session_documents (session_id, document_id, position) VALUES (?, ?, ?)`),
				session.ID, docID, i)
			if err != nil {
				return fmt.Errorf("failed to attach document %s: %w", docID, err)
			}
		}
		return nil
	})
}

// Session fetches a session including its attached document ids.
func (s *Store) Session(ctx context.Context, id string) (*ChatSession, error) {
	var session ChatSession
	var collectionID, summary, keyFacts sql.NullString
	err := s.queryRow(ctx, `
SELECT id, user_id, org_id, collection_id, message_count, summary, summary_key_facts,
       last_summarized_index, created_at, updated_at
FROM chat_sessions WHERE id = ?`, id).Scan(
		&session.ID, &session.UserID, &session.OrgID, &collectionID, &session.MessageCount,
		&summary, &keyFacts, &session.LastSummarizedIndex, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session.CollectionID = stringOrEmpty(collectionID)
	session.Summary = stringOrEmpty(summary)
	session.SummaryKeyFacts = decodeStrings(stringOrEmpty(keyFacts))

	rows, err := s.query(ctx, `
SELECT document_id FROM session_documents WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			return nil, err
		}
		session.DocumentIDs = append(session.DocumentIDs, docID)
	}
	return &session, rows.Err()
}

// AppendExchange writes the user/assistant message pair atomically and bumps
// the session counter. Messages are append-only; sequence numbers come from
// the current counter so concurrent writers never interleave a pair.
func (s *Store) AppendExchange(ctx context.Context, sessionID string, user, assistant *ChatMessage) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		err := tx.QueryRowContext(ctx, s.rebind(`
SELECT message_count FROM chat_sessions WHERE id = ?`), sessionID).Scan(&count)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read message count: %w", err)
		}

		for i, msg := range []*ChatMessage{user, assistant} {
			if msg.ID == "" {
				msg.ID = uuid.NewString()
			}
			msg.SessionID = sessionID
			msg.Sequence = count + i
			msg.CreatedAt = now
			_, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO chat_messages (id, session_id, role, content, source_chunk_ids,
                           input_tokens, output_tokens, cost_usd,
                           comparison_json, citations_json, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				msg.ID, msg.SessionID, msg.Role, msg.Content,
				nullable(encodeJSON(msg.SourceChunkIDs)),
				msg.InputTokens, msg.OutputTokens, msg.CostUSD,
				nullable(msg.ComparisonJSON), nullable(msg.CitationsJSON),
				msg.Sequence, msg.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert %s message: %w", msg.Role, err)
			}
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
UPDATE chat_sessions SET message_count = ?, updated_at = ? WHERE id = ?`),
			count+2, now, sessionID)
		if err != nil {
			return fmt.Errorf("failed to update session counter: %w", err)
		}
		return nil
	})
}

// Messages returns a session's messages in sequence order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	rows, err := s.query(ctx, `
SELECT id, session_id, role, content, source_chunk_ids, input_tokens, output_tokens,
       cost_usd, comparison_json, citations_json, sequence_num, created_at
FROM chat_messages WHERE session_id = ? ORDER BY sequence_num`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var chunkIDs, comparison, citations sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &chunkIDs,
			&msg.InputTokens, &msg.OutputTokens, &msg.CostUSD,
			&comparison, &citations, &msg.Sequence, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.SourceChunkIDs = decodeStrings(stringOrEmpty(chunkIDs))
		msg.ComparisonJSON = stringOrEmpty(comparison)
		msg.CitationsJSON = stringOrEmpty(citations)
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// UpdateSummary caches a fresh rolling summary. Last-writer-wins: a stale
// summary only costs tokens, never correctness, so no locking here.
func (s *Store) UpdateSummary(ctx context.Context, sessionID, summary string, keyFacts []string, lastIndex int) error {
	_, err := s.exec(ctx, `
UPDATE chat_sessions SET summary = ?, summary_key_facts = ?, last_summarized_index = ?, updated_at = ?
WHERE id = ?`,
		nullable(summary), nullable(encodeJSON(keyFacts)), lastIndex, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session summary: %w", err)
	}
	return nil
}
