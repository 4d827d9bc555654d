package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// DefaultParallelism は同時に実行する Embedding バッチ数の既定値
const DefaultParallelism = 2

// IndexService はカタログのコースを Embedding 化してベクトルストアへ書き込む
type IndexService struct {
	repo        Repository
	embedder    BatchEmbedder
	writer      VectorWriter
	parallelism int
	logger      *slog.Logger
}

type indexOptions struct {
	parallelism int
	logger      *slog.Logger
}

// IndexOption は IndexService 構築時のオプション
type IndexOption func(*indexOptions)

// WithParallelism は同時実行バッチ数を設定する
func WithParallelism(n int) IndexOption {
	return func(o *indexOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) IndexOption {
	return func(o *indexOptions) {
		o.logger = logger
	}
}

// NewIndexService は新しい IndexService を作成する
func NewIndexService(repo Repository, embedder BatchEmbedder, writer VectorWriter, opts ...IndexOption) *IndexService {
	options := indexOptions{
		parallelism: DefaultParallelism,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &IndexService{
		repo:        repo,
		embedder:    embedder,
		writer:      writer,
		parallelism: options.parallelism,
		logger:      options.logger,
	}
}

type pendingCourse struct {
	course   Course
	text     string
	textHash string
}

// IndexPending は Embedding が未作成または古いコースをすべて索引する
// batchSize が 0 以下または Embedder の上限を超える場合は上限を使う
func (s *IndexService) IndexPending(ctx context.Context, batchSize int) (IndexResult, error) {
	if limit := s.embedder.MaxBatchSize(); batchSize <= 0 || batchSize > limit {
		batchSize = limit
	}
	model := s.embedder.ModelName()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	var (
		mu     sync.Mutex
		result IndexResult
		after  string
	)

	for gctx.Err() == nil {
		courses, err := s.repo.ListCourses(gctx, after, batchSize)
		if err != nil {
			// 先に失敗したバッチがあればその原因を返す
			if werr := g.Wait(); werr != nil {
				return result, fmt.Errorf("failed to index catalog: %w", werr)
			}
			return result, fmt.Errorf("failed to list courses: %w", err)
		}
		if len(courses) == 0 {
			break
		}
		after = courses[len(courses)-1].ID

		if err := s.applyIndexState(gctx, courses); err != nil {
			if werr := g.Wait(); werr != nil {
				return result, fmt.Errorf("failed to index catalog: %w", werr)
			}
			return result, fmt.Errorf("failed to read index state: %w", err)
		}

		pending := make([]pendingCourse, 0, len(courses))
		for _, c := range courses {
			text := EmbeddingText(c)
			hash := recommend.TextHash(text)
			if !needsIndexing(c, hash, model) {
				continue
			}
			pending = append(pending, pendingCourse{course: c, text: text, textHash: hash})
		}

		mu.Lock()
		result.Scanned += len(courses)
		result.Skipped += len(courses) - len(pending)
		mu.Unlock()

		if len(pending) > 0 {
			g.Go(func() error {
				if err := s.indexBatch(gctx, model, pending); err != nil {
					return err
				}
				mu.Lock()
				result.Indexed += len(pending)
				mu.Unlock()
				return nil
			})
		}

		if len(courses) < batchSize {
			break
		}
	}

	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("failed to index catalog: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	s.logger.Info("catalog_index_completed",
		slog.Int("scanned", result.Scanned),
		slog.Int("indexed", result.Indexed),
		slog.Int("skipped", result.Skipped))

	return result, nil
}

// applyIndexState は書き込み先が索引状態を持つ場合、その状態でコースの索引情報を上書きする
func (s *IndexService) applyIndexState(ctx context.Context, courses []Course) error {
	reader, ok := s.writer.(IndexStateReader)
	if !ok {
		return nil
	}

	ids := make([]string, len(courses))
	for i, c := range courses {
		ids[i] = c.ID
	}
	states, err := reader.IndexState(ctx, ids)
	if err != nil {
		return err
	}
	for i := range courses {
		st := states[courses[i].ID]
		courses[i].IndexedHash = st.TextHash
		courses[i].IndexedModel = st.Model
	}
	return nil
}

func (s *IndexService) indexBatch(ctx context.Context, model string, pending []pendingCourse) error {
	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.text
	}

	vectors, err := s.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed %d courses starting at %s: %w", len(pending), pending[0].course.ID, err)
	}
	if len(vectors) != len(pending) {
		return fmt.Errorf("embedder returned %d vectors for %d courses", len(vectors), len(pending))
	}

	rows := make([]CourseVector, len(pending))
	for i, p := range pending {
		rows[i] = CourseVector{
			CourseID: p.course.ID,
			Vector:   vectors[i],
			TextHash: p.textHash,
			Model:    model,
			Provider: p.course.Provider,
			Language: p.course.Language,
			Title:    p.course.Title,
		}
	}

	if err := s.writer.Upsert(ctx, rows); err != nil {
		return fmt.Errorf("failed to store course vectors: %w", err)
	}

	s.logger.Debug("catalog_batch_indexed",
		slog.Int("count", len(rows)),
		slog.String("first_course_id", rows[0].CourseID))
	return nil
}
