package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
)

const (
	// defaultEFSearch は pgvector の hnsw.ef_search 既定値
	defaultEFSearch = 40
	// maxEFSearch は hnsw.ef_search に設定できる上限
	maxEFSearch = 1000
)

// CourseVectorRepository は pgvector によるコース Embedding の保存と近傍検索を行う
type CourseVectorRepository struct {
	db            Conn
	retry         retry.Policy
	maxTopK       int
	minSimilarity float64
}

// VectorOption は CourseVectorRepository のオプション設定
type VectorOption func(*CourseVectorRepository)

// WithVectorRetryPolicy はリトライ方針を設定する
func WithVectorRetryPolicy(p retry.Policy) VectorOption {
	return func(r *CourseVectorRepository) {
		r.retry = p
	}
}

// WithMaxTopK は検索件数の上限を設定する
func WithMaxTopK(n int) VectorOption {
	return func(r *CourseVectorRepository) {
		if n > 0 {
			r.maxTopK = n
		}
	}
}

// WithMinSimilarity はこの値未満の候補を検索結果から除く
func WithMinSimilarity(v float64) VectorOption {
	return func(r *CourseVectorRepository) {
		r.minSimilarity = v
	}
}

// NewCourseVectorRepository は新しい CourseVectorRepository を返す
func NewCourseVectorRepository(db Conn, opts ...VectorOption) *CourseVectorRepository {
	r := &CourseVectorRepository{
		db:      db,
		retry:   retry.DefaultPolicy(),
		maxTopK: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// buildSearchQuery は検索SQLと引数を組み立てる
// 絞り込みがある場合は MATERIALIZED CTE で先に絞り込み、HNSW 索引による事後フィルタで件数が欠けるのを防ぐ
// 類似度の下限は近い順に topK 件を取った後で適用する。下限は距離に対して単調なので結果は変わらない
func (r *CourseVectorRepository) buildSearchQuery(queryVector []float32, topK int, filters recommend.Filters) (string, []any) {
	args := []any{pgvector.NewVector(queryVector)}

	var conditions []string
	if p := recommend.NormalizeText(filters.Provider); p != "" {
		args = append(args, p)
		conditions = append(conditions, fmt.Sprintf("provider = $%d", len(args)))
	}
	if l := recommend.NormalizeText(filters.Language); l != "" {
		args = append(args, l)
		conditions = append(conditions, fmt.Sprintf("language = $%d", len(args)))
	}

	source := "course_embeddings"
	var sb strings.Builder
	if len(conditions) > 0 {
		sb.WriteString("WITH filtered AS MATERIALIZED (\n")
		sb.WriteString("    SELECT course_id, embedding FROM course_embeddings\n")
		sb.WriteString("    WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
		sb.WriteString("\n)\n")
		source = "filtered"
	}

	args = append(args, topK)
	nearest := fmt.Sprintf("SELECT course_id, 1 - (embedding <=> $1) AS similarity\nFROM %s\nORDER BY embedding <=> $1, course_id\nLIMIT $%d", source, len(args))

	if r.minSimilarity <= 0 {
		sb.WriteString(nearest)
		return sb.String(), args
	}

	args = append(args, r.minSimilarity)
	sb.WriteString("SELECT course_id, similarity FROM (\n")
	sb.WriteString(nearest)
	fmt.Fprintf(&sb, "\n) AS nearest\nWHERE similarity >= $%d\nORDER BY similarity DESC, course_id", len(args))
	return sb.String(), args
}

// efSearch は topK 件を HNSW 索引から取り出すのに必要な hnsw.ef_search を返す
// pgvector の HNSW 走査は ef_search 件までしか返さない
func efSearch(topK int) int {
	return min(max(topK, defaultEFSearch), maxEFSearch)
}

const setEFSearchSQL = `SELECT set_config('hnsw.ef_search', $1, true)`

// Search は類似度の降順（同点はコースID昇順）で最大 topK 件の候補を返す
// ef_search はトランザクション内でのみ変更する
func (r *CourseVectorRepository) Search(ctx context.Context, queryVector []float32, topK int, filters recommend.Filters) ([]recommend.CourseCandidate, error) {
	if err := recommend.ValidateTopK(topK, r.maxTopK); err != nil {
		return nil, err
	}
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", recommend.ErrInvalidInput)
	}

	query, args := r.buildSearchQuery(queryVector, topK, filters)
	ef := strconv.Itoa(efSearch(topK))

	candidates, err := retry.Do(ctx, r.retry, isTransient, func(ctx context.Context) ([]recommend.CourseCandidate, error) {
		return Transact(ctx, r.db, func(tx DBTX) ([]recommend.CourseCandidate, error) {
			if _, err := tx.Exec(ctx, setEFSearchSQL, ef); err != nil {
				return nil, err
			}
			rows, err := tx.Query(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			return pgx.CollectRows(rows, func(row pgx.CollectableRow) (recommend.CourseCandidate, error) {
				var c recommend.CourseCandidate
				if err := row.Scan(&c.CourseID, &c.Similarity); err != nil {
					return c, err
				}
				c.Similarity = recommend.ClampSimilarity(c.Similarity)
				return c, nil
			})
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to search course embeddings: %w", err)
		}
		return nil, fmt.Errorf("%w: failed to search course embeddings: %w", recommend.ErrRetrievalUnavailable, err)
	}

	return candidates, nil
}

const upsertVectorSQL = `
INSERT INTO course_embeddings (course_id, embedding, text_hash, model, provider, language, title, indexed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (course_id) DO UPDATE SET
    embedding  = EXCLUDED.embedding,
    text_hash  = EXCLUDED.text_hash,
    model      = EXCLUDED.model,
    provider   = EXCLUDED.provider,
    language   = EXCLUDED.language,
    title      = EXCLUDED.title,
    indexed_at = now()`

// Upsert はコース Embedding を保存する。同じコースIDは置き換える
func (r *CourseVectorRepository) Upsert(ctx context.Context, vectors []catalog.CourseVector) error {
	if len(vectors) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range vectors {
		batch.Queue(upsertVectorSQL,
			v.CourseID,
			pgvector.NewVector(v.Vector),
			v.TextHash,
			v.Model,
			recommend.NormalizeText(v.Provider),
			recommend.NormalizeText(v.Language),
			v.Title,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	for range vectors {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to upsert course embedding: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to upsert course embeddings: %w", err)
	}
	return nil
}

// インターフェース実装の確認
var (
	_ recommend.VectorStore = (*CourseVectorRepository)(nil)
	_ catalog.VectorWriter  = (*CourseVectorRepository)(nil)
)
