package postgres

import (
	"context"
	"fmt"
)

const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS course_metadata (
    identifier   TEXT PRIMARY KEY,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    provider     TEXT NOT NULL DEFAULT '',
    language     TEXT NOT NULL DEFAULT '',
    duration     TEXT NOT NULL DEFAULT '',
    organisation TEXT NOT NULL DEFAULT '',
    competencies JSONB NOT NULL DEFAULT '[]'::jsonb,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS course_embeddings (
    course_id  TEXT PRIMARY KEY REFERENCES course_metadata(identifier) ON DELETE CASCADE,
    embedding  vector(%d) NOT NULL,
    text_hash  TEXT NOT NULL,
    model      TEXT NOT NULL,
    provider   TEXT NOT NULL DEFAULT '',
    language   TEXT NOT NULL DEFAULT '',
    title      TEXT NOT NULL DEFAULT '',
    indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_course_embeddings_hnsw
    ON course_embeddings USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_course_embeddings_filters
    ON course_embeddings (provider, language);

CREATE TABLE IF NOT EXISTS recommended_courses (
    id              UUID PRIMARY KEY,
    role_mapping_id UUID NOT NULL,
    user_id         UUID NOT NULL,
    status          TEXT NOT NULL,
    query           TEXT NOT NULL DEFAULT '',
    courses         JSONB NOT NULL DEFAULT '[]'::jsonb,
    public_courses  JSONB NOT NULL DEFAULT '[]'::jsonb,
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (role_mapping_id, user_id)
);

ALTER TABLE recommended_courses
    ADD COLUMN IF NOT EXISTS public_courses JSONB NOT NULL DEFAULT '[]'::jsonb;
`

// SchemaSQL は次元 dimension のベクトル列を持つスキーマ定義を返す
func SchemaSQL(dimension int) string {
	return fmt.Sprintf(schemaTemplate, dimension)
}

// EnsureSchema はテーブルと索引を作成する。既に存在する場合は何もしない
func EnsureSchema(ctx context.Context, db DBTX, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", dimension)
	}
	if _, err := db.Exec(ctx, SchemaSQL(dimension)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
