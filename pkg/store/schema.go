package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Schema statements use a portable subset; dialect-specific pieces (FTS,
// tsvector) are appended per dialect. Statements are idempotent.
const baseSchema = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(64) PRIMARY KEY,
    org_id VARCHAR(64) NOT NULL,
    email VARCHAR(255),
    pages_this_month INTEGER NOT NULL DEFAULT 0,
    total_pages_processed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    org_id VARCHAR(64) NOT NULL,
    filename VARCHAR(512) NOT NULL,
    content_hash VARCHAR(64) NOT NULL,
    byte_size BIGINT NOT NULL DEFAULT 0,
    page_count INTEGER NOT NULL DEFAULT 0,
    status VARCHAR(32) NOT NULL,
    parser VARCHAR(64),
    parse_artifact TEXT,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    CONSTRAINT uq_documents_org_hash UNIQUE (org_id, content_hash)
);

CREATE TABLE IF NOT EXISTS collections (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    org_id VARCHAR(64) NOT NULL,
    name VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS collection_documents (
    collection_id VARCHAR(64) NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
    document_id VARCHAR(64) NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    PRIMARY KEY (collection_id, document_id)
);

CREATE TABLE IF NOT EXISTS document_chunks (
    chunk_id VARCHAR(128) NOT NULL,
    document_id VARCHAR(64) NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    chunk_json TEXT NOT NULL,
    text_content TEXT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    section_id VARCHAR(64) NOT NULL,
    page INTEGER NOT NULL DEFAULT 0,
    token_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (document_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS chat_sessions (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    org_id VARCHAR(64) NOT NULL,
    collection_id VARCHAR(64),
    message_count INTEGER NOT NULL DEFAULT 0,
    summary TEXT,
    summary_key_facts TEXT,
    last_summarized_index INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_documents (
    session_id VARCHAR(64) NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    document_id VARCHAR(64) NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    position INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, document_id)
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    role VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    source_chunk_ids TEXT,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    comparison_json TEXT,
    citations_json TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    domain VARCHAR(64),
    version INTEGER NOT NULL DEFAULT 1,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    variables_json TEXT,
    retrieval_json TEXT,
    generator VARCHAR(128) NOT NULL,
    min_documents INTEGER NOT NULL DEFAULT 1,
    max_documents INTEGER NOT NULL DEFAULT 10,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id VARCHAR(64) PRIMARY KEY,
    template_id VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    org_id VARCHAR(64) NOT NULL,
    template_snapshot_json TEXT,
    document_ids TEXT NOT NULL,
    variables_json TEXT,
    custom_prompt TEXT,
    mode VARCHAR(16),
    strategy VARCHAR(16),
    status VARCHAR(32) NOT NULL,
    artifact TEXT,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    citations_count INTEGER NOT NULL DEFAULT 0,
    validation_errors TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS extractions (
    id VARCHAR(64) PRIMARY KEY,
    document_id VARCHAR(64) NOT NULL,
    content_hash VARCHAR(64) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    org_id VARCHAR(64) NOT NULL,
    context_hint TEXT,
    status VARCHAR(32) NOT NULL,
    artifact TEXT,
    parser VARCHAR(64),
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    from_cache BOOLEAN NOT NULL DEFAULT FALSE,
    from_history BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS template_fill_runs (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    org_id VARCHAR(64) NOT NULL,
    template_path VARCHAR(512) NOT NULL,
    document_ids TEXT NOT NULL,
    status VARCHAR(32) NOT NULL,
    fields_json TEXT,
    mapping_json TEXT,
    artifact TEXT,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS job_states (
    job_id VARCHAR(64) PRIMARY KEY,
    extraction_id VARCHAR(64),
    document_id VARCHAR(64),
    workflow_run_id VARCHAR(64),
    template_fill_id VARCHAR(64),
    status VARCHAR(32) NOT NULL,
    current_stage VARCHAR(64),
    progress INTEGER NOT NULL DEFAULT 0,
    message TEXT,
    stages_done TEXT,
    intermediates TEXT,
    error_stage VARCHAR(64),
    error_message TEXT,
    error_type VARCHAR(32),
    error_retryable BOOLEAN NOT NULL DEFAULT FALSE,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    CONSTRAINT ck_job_states_one_parent CHECK (
        (CASE WHEN extraction_id IS NULL THEN 0 ELSE 1 END) +
        (CASE WHEN document_id IS NULL THEN 0 ELSE 1 END) +
        (CASE WHEN workflow_run_id IS NULL THEN 0 ELSE 1 END) +
        (CASE WHEN template_fill_id IS NULL THEN 0 ELSE 1 END) = 1
    )
);

CREATE TABLE IF NOT EXISTS cache_entries (
    cache_key VARCHAR(128) PRIMARY KEY,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP
);
`

const baseIndexes = `
CREATE INDEX IF NOT EXISTS idx_documents_org ON documents(org_id);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_chunks_section ON document_chunks(document_id, section_id);
CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, sequence_num);
CREATE INDEX IF NOT EXISTS idx_runs_user ON workflow_runs(user_id);
CREATE INDEX IF NOT EXISTS idx_extractions_user ON extractions(user_id);
CREATE INDEX IF NOT EXISTS idx_extractions_hash ON extractions(org_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_job_states_extraction ON job_states(extraction_id);
CREATE INDEX IF NOT EXISTS idx_job_states_run ON job_states(workflow_run_id);
`

// sqlite keeps lexical search in a contentless FTS5 table synced on write.
const sqliteFTS = `
CREATE VIRTUAL TABLE IF NOT EXISTS document_chunks_fts USING fts5(
    chunk_id UNINDEXED,
    document_id UNINDEXED,
    text_content
);
`

// postgres uses a tsvector column with a GIN index.
const postgresFTS = `
ALTER TABLE document_chunks ADD COLUMN IF NOT EXISTS tsv tsvector;
CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON document_chunks USING GIN (tsv);
`

func (s *Store) migrate(ctx context.Context) error {
	statements := splitStatements(baseSchema)
	statements = append(statements, splitStatements(baseIndexes)...)
	if s.dialect == "postgres" {
		statements = append(statements, splitStatements(postgresFTS)...)
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w\nstatement: %s", err, stmt)
		}
	}

	// The FTS5 virtual table only exists when the sqlite driver is built
	// with -tags fts5. Without it, lexical search is disabled and hybrid
	// retrieval runs dense-only.
	if s.dialect == "sqlite" {
		for _, stmt := range splitStatements(sqliteFTS) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.fts = false
				slog.Warn("sqlite FTS5 unavailable, lexical search disabled; build with -tags fts5 to enable",
					"error", err)
				return nil
			}
		}
	}
	return nil
}

func splitStatements(block string) []string {
	var out []string
	for _, stmt := range strings.Split(block, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
