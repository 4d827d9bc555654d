package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
)

// CourseMetadataRepository はナレッジベースのコースメタデータを扱う
type CourseMetadataRepository struct {
	db    DBTX
	retry retry.Policy
}

// NewCourseMetadataRepository は新しい CourseMetadataRepository を返す
func NewCourseMetadataRepository(db DBTX, policy retry.Policy) *CourseMetadataRepository {
	return &CourseMetadataRepository{db: db, retry: policy}
}

const hydrateSQL = `
SELECT identifier, title, description, provider, language, duration, organisation, competencies
FROM course_metadata
WHERE identifier = ANY($1)`

// Hydrate は見つかったIDのメタデータのみを返す
func (r *CourseMetadataRepository) Hydrate(ctx context.Context, courseIDs []string) (map[string]recommend.CourseMetadata, error) {
	if len(courseIDs) == 0 {
		return map[string]recommend.CourseMetadata{}, nil
	}

	found, err := retry.Do(ctx, r.retry, isTransient, func(ctx context.Context) (map[string]recommend.CourseMetadata, error) {
		rows, err := r.db.Query(ctx, hydrateSQL, courseIDs)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make(map[string]recommend.CourseMetadata, len(courseIDs))
		for rows.Next() {
			var (
				id           string
				meta         recommend.CourseMetadata
				competencies []byte
			)
			if err := rows.Scan(&id, &meta.Title, &meta.Description, &meta.Provider, &meta.Language,
				&meta.Duration, &meta.Organisation, &competencies); err != nil {
				return nil, err
			}
			if meta.Competencies, err = decodeCompetencies(competencies); err != nil {
				return nil, fmt.Errorf("course %s: %w", id, err)
			}
			out[id] = meta
		}
		return out, rows.Err()
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to hydrate course metadata: %w", err)
		}
		return nil, fmt.Errorf("%w: failed to hydrate course metadata: %w", recommend.ErrRetrievalUnavailable, err)
	}

	return found, nil
}

const listCoursesSQL = `
SELECT m.identifier, m.title, m.description, m.provider, m.language, m.competencies,
       COALESCE(e.text_hash, ''), COALESCE(e.model, '')
FROM course_metadata m
LEFT JOIN course_embeddings e ON e.course_id = m.identifier
WHERE m.identifier > $1
ORDER BY m.identifier
LIMIT $2`

// ListCourses は afterID より大きいIDのコースをID昇順で最大 limit 件返す
func (r *CourseMetadataRepository) ListCourses(ctx context.Context, afterID string, limit int) ([]catalog.Course, error) {
	rows, err := r.db.Query(ctx, listCoursesSQL, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}

	courses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Course, error) {
		var (
			c            catalog.Course
			competencies []byte
		)
		if err := row.Scan(&c.ID, &c.Title, &c.Description, &c.Provider, &c.Language, &competencies,
			&c.IndexedHash, &c.IndexedModel); err != nil {
			return c, err
		}
		var err error
		c.Competencies, err = decodeCompetencies(competencies)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan courses: %w", err)
	}
	return courses, nil
}

const upsertCourseSQL = `
INSERT INTO course_metadata (identifier, title, description, provider, language, duration, organisation, competencies, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (identifier) DO UPDATE SET
    title        = EXCLUDED.title,
    description  = EXCLUDED.description,
    provider     = EXCLUDED.provider,
    language     = EXCLUDED.language,
    duration     = EXCLUDED.duration,
    organisation = EXCLUDED.organisation,
    competencies = EXCLUDED.competencies,
    updated_at   = now()`

// UpsertCourses はコースメタデータを保存する
func (r *CourseMetadataRepository) UpsertCourses(ctx context.Context, entries []catalog.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		competencies, err := encodeCompetencies(e.Competencies)
		if err != nil {
			return fmt.Errorf("course %s: %w", e.Identifier, err)
		}
		batch.Queue(upsertCourseSQL, e.Identifier, e.Title, e.Description, e.Provider, e.Language,
			e.Duration, e.Organisation, competencies)
	}

	results := r.db.SendBatch(ctx, batch)
	for _, e := range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to upsert course %s: %w", e.Identifier, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to upsert courses: %w", err)
	}
	return nil
}

func decodeCompetencies(data []byte) ([]recommend.Competency, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []recommend.Competency
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode competencies: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func encodeCompetencies(c []recommend.Competency) ([]byte, error) {
	if c == nil {
		c = []recommend.Competency{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode competencies: %w", err)
	}
	return data, nil
}

// インターフェース実装の確認
var (
	_ recommend.MetadataStore = (*CourseMetadataRepository)(nil)
	_ catalog.Repository      = (*CourseMetadataRepository)(nil)
	_ catalog.Writer          = (*CourseMetadataRepository)(nil)
)
