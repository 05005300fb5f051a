package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docquarry/quarry/pkg/storage"
)

// CreateDocument inserts a new document. A duplicate (org_id, content_hash)
// returns ErrDuplicate together with the existing record so callers can
// short-circuit ingestion.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) (*Document, error) {
	existing, err := s.DocumentByHash(ctx, doc.OrgID, doc.ContentHash)
	if err == nil {
		return existing, ErrDuplicate
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = DocUploaded
	}

	_, err = s.exec(ctx, `
INSERT INTO documents (id, user_id, org_id, filename, content_hash, byte_size, page_count,
                       status, parser, parse_artifact, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, doc.OrgID, doc.Filename, doc.ContentHash, doc.ByteSize, doc.PageCount,
		string(doc.Status), nullable(doc.Parser), encodePointer(doc.ParseArtifact), nullable(doc.ErrorMessage),
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			if existing, lookupErr := s.DocumentByHash(ctx, doc.OrgID, doc.ContentHash); lookupErr == nil {
				return existing, ErrDuplicate
			}
		}
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	return doc, nil
}

// Document fetches by id.
func (s *Store) Document(ctx context.Context, id string) (*Document, error) {
	return s.scanDocument(s.queryRow(ctx, documentSelect+` WHERE id = ?`, id))
}

// DocumentByHash fetches by the (org, content hash) uniqueness key.
func (s *Store) DocumentByHash(ctx context.Context, orgID, hash string) (*Document, error) {
	return s.scanDocument(s.queryRow(ctx, documentSelect+` WHERE org_id = ? AND content_hash = ?`, orgID, hash))
}

// Documents fetches multiple documents preserving the requested order.
func (s *Store) Documents(ctx context.Context, ids []string) ([]*Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.query(ctx, documentSelect+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*Document, len(ids))
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// SessionDocuments returns the documents attached to a session, in attach
// order.
func (s *Store) SessionDocuments(ctx context.Context, sessionID string) ([]*Document, error) {
	rows, err := s.query(ctx, documentSelect+`
JOIN session_documents sd ON sd.document_id = documents.id
WHERE sd.session_id = ? ORDER BY sd.position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// UpdateDocumentStatus advances the ingestion state machine.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status DocumentStatus, errMsg string) error {
	_, err := s.exec(ctx, `
UPDATE documents SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), nullable(errMsg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

// UpdateDocumentParse records parser results.
func (s *Store) UpdateDocumentParse(ctx context.Context, id, parser string, pageCount int, artifact *storage.Pointer) error {
	_, err := s.exec(ctx, `
UPDATE documents SET parser = ?, page_count = ?, parse_artifact = ?, updated_at = ? WHERE id = ?`,
		parser, pageCount, encodePointer(artifact), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update document parse info: %w", err)
	}
	return nil
}

// DeleteDocument removes the document; chunks cascade.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if s.dialect == "sqlite" && s.fts {
		// Contentless FTS rows don't cascade.
		if _, err := s.exec(ctx, `DELETE FROM document_chunks_fts WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete chunk FTS rows: %w", err)
		}
	}
	res, err := s.exec(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Collections

// CreateCollection inserts a collection.
func (s *Store) CreateCollection(ctx context.Context, c *Collection) error {
	c.CreatedAt = time.Now().UTC()
	_, err := s.exec(ctx, `
INSERT INTO collections (id, user_id, org_id, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.OrgID, c.Name, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}
	return nil
}

// AddToCollection links a document into a collection.
func (s *Store) AddToCollection(ctx context.Context, collectionID, documentID string) error {
	query := `INSERT INTO collection_documents (collection_id, document_id) VALUES (?, ?)`
	if s.dialect == "postgres" {
		query += ` ON CONFLICT DO NOTHING`
	} else {
		query = strings.Replace(query, "INSERT", "INSERT OR IGNORE", 1)
	}
	if _, err := s.exec(ctx, query, collectionID, documentID); err != nil {
		return fmt.Errorf("failed to add document to collection: %w", err)
	}
	return nil
}

// CollectionDocumentIDs lists document ids in a collection.
func (s *Store) CollectionDocumentIDs(ctx context.Context, collectionID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT document_id FROM collection_documents WHERE collection_id = ?`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const documentSelect = `
SELECT documents.id, documents.user_id, documents.org_id, documents.filename, documents.content_hash,
       documents.byte_size, documents.page_count, documents.status, documents.parser,
       documents.parse_artifact, documents.error_message, documents.created_at, documents.updated_at
FROM documents`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanDocument(row *sql.Row) (*Document, error) {
	doc, err := scanDocumentFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return doc, err
}

func scanDocumentRows(rows *sql.Rows) (*Document, error) {
	return scanDocumentFrom(rows)
}

func scanDocumentFrom(r rowScanner) (*Document, error) {
	var doc Document
	var status string
	var parser, artifact, errMsg sql.NullString
	if err := r.Scan(&doc.ID, &doc.UserID, &doc.OrgID, &doc.Filename, &doc.ContentHash,
		&doc.ByteSize, &doc.PageCount, &status, &parser, &artifact, &errMsg,
		&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	doc.Parser = stringOrEmpty(parser)
	doc.ParseArtifact = decodePointer(stringOrEmpty(artifact))
	doc.ErrorMessage = stringOrEmpty(errMsg)
	return &doc, nil
}

func encodePointer(p *storage.Pointer) interface{} {
	if p.IsZero() {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodePointer(s string) *storage.Pointer {
	if s == "" {
		return nil
	}
	var p storage.Pointer
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil
	}
	return &p
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
