package sqvect

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/liliang-cn/sqvect/v2/pkg/core"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// メタデータのキー
const (
	metaProvider = "provider"
	metaLanguage = "language"
	metaTitle    = "title"
	metaTextHash = "text_hash"
	metaModel    = "model"
)

// VectorStore は SQLite 上の組み込みベクトルストア
// PostgreSQL を用意できない環境やローカル評価で使う
type VectorStore struct {
	store         *core.SQLiteStore
	maxTopK       int
	minSimilarity float64
}

type options struct {
	dimension     int
	maxTopK       int
	minSimilarity float64
}

// Option は VectorStore のオプション設定
type Option func(*options)

// WithDimension はベクトル次元を固定する（0 なら初回書き込みで決まる）
func WithDimension(d int) Option {
	return func(o *options) {
		o.dimension = d
	}
}

// WithMaxTopK は検索件数の上限を設定する
func WithMaxTopK(n int) Option {
	return func(o *options) {
		o.maxTopK = n
	}
}

// WithMinSimilarity はこの値未満の候補を検索結果から除く
func WithMinSimilarity(v float64) Option {
	return func(o *options) {
		o.minSimilarity = v
	}
}

// Open は path のデータベースを開き、テーブルを初期化する
func Open(ctx context.Context, path string, opts ...Option) (*VectorStore, error) {
	o := options{maxTopK: 100}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := core.DefaultConfig()
	cfg.Path = path
	cfg.VectorDim = o.dimension
	cfg.SimilarityFn = core.CosineSimilarity
	// 近似索引は絞り込みを検索後に適用するため、全件走査で事前に絞り込む
	cfg.IndexType = core.IndexTypeFlat
	cfg.HNSW.Enabled = false

	store, err := core.NewWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqvect store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize sqvect store: %w", err)
	}

	return &VectorStore{store: store, maxTopK: o.maxTopK, minSimilarity: o.minSimilarity}, nil
}

// Search は絞り込み条件に一致するコースから類似度順に topK 件を返す
func (s *VectorStore) Search(ctx context.Context, queryVector []float32, topK int, filters recommend.Filters) ([]recommend.CourseCandidate, error) {
	if err := recommend.ValidateTopK(topK, s.maxTopK); err != nil {
		return nil, err
	}
	if len(queryVector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", recommend.ErrInvalidInput)
	}

	results, err := s.store.Search(ctx, queryVector, core.SearchOptions{
		// 同点の並びを自前で決めるため多めに取る
		TopK:      topK * 2,
		Filter:    metadataFilter(filters),
		Threshold: s.minSimilarity,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sqvect search: %w", err)
		}
		return nil, fmt.Errorf("%w: sqvect search: %w", recommend.ErrRetrievalUnavailable, err)
	}

	candidates := make([]recommend.CourseCandidate, 0, len(results))
	for _, r := range results {
		if r.Score < s.minSimilarity {
			continue
		}
		candidates = append(candidates, recommend.CourseCandidate{
			CourseID:   r.ID,
			Similarity: recommend.ClampSimilarity(r.Score),
		})
	}
	slices.SortStableFunc(candidates, recommend.CompareCandidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return candidates, nil
}

// Upsert はコース Embedding を保存する。同じコースIDは置き換える
func (s *VectorStore) Upsert(ctx context.Context, vectors []catalog.CourseVector) error {
	if len(vectors) == 0 {
		return nil
	}

	embs := make([]*core.Embedding, 0, len(vectors))
	for _, v := range vectors {
		if v.CourseID == "" {
			return errors.New("course id is empty")
		}
		embs = append(embs, &core.Embedding{
			ID:      v.CourseID,
			Vector:  v.Vector,
			Content: v.Title,
			DocID:   v.CourseID,
			Metadata: map[string]string{
				metaProvider: recommend.NormalizeText(v.Provider),
				metaLanguage: recommend.NormalizeText(v.Language),
				metaTitle:    v.Title,
				metaTextHash: v.TextHash,
				metaModel:    v.Model,
			},
		})
	}

	if err := s.store.UpsertBatch(ctx, embs); err != nil {
		return fmt.Errorf("failed to upsert %d course vectors: %w", len(embs), err)
	}
	return nil
}

// IndexState は ids のうち保存済みのコースについて元テキストのハッシュとモデルを返す
func (s *VectorStore) IndexState(ctx context.Context, ids []string) (map[string]catalog.IndexState, error) {
	states := make(map[string]catalog.IndexState, len(ids))
	for _, id := range ids {
		emb, err := s.store.GetByID(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read index state of %s: %w", id, err)
		}
		states[id] = catalog.IndexState{
			TextHash: emb.Metadata[metaTextHash],
			Model:    emb.Metadata[metaModel],
		}
	}
	return states, nil
}

// Close はストアを閉じる
func (s *VectorStore) Close() error {
	return s.store.Close()
}

// metadataFilter は絞り込み条件を sqvect のメタデータ一致条件に変換する
// 値は書き込み時と同じく正規化して比較する
func metadataFilter(f recommend.Filters) map[string]string {
	filter := make(map[string]string, 2)
	if p := recommend.NormalizeText(f.Provider); p != "" {
		filter[metaProvider] = p
	}
	if l := recommend.NormalizeText(f.Language); l != "" {
		filter[metaLanguage] = l
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

// インターフェース実装の確認
var (
	_ recommend.VectorStore = (*VectorStore)(nil)
	_ catalog.VectorWriter     = (*VectorStore)(nil)
	_ catalog.IndexStateReader = (*VectorStore)(nil)
)
