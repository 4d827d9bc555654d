package recommend

import (
	"context"
	"time"
)

// Embedder はテキストを固定次元のベクトルに変換する
type Embedder interface {
	// Embed は単一テキストの Embedding を生成する
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore はコース Embedding の近傍検索を提供する
type VectorStore interface {
	// Search は類似度の降順（同点はコースID昇順）で最大 topK 件の候補を返す
	// フィルタは類似度順位付けの前に適用される
	Search(ctx context.Context, queryVector []float32, topK int, filters Filters) ([]CourseCandidate, error)
}

// MetadataStore はコースIDから表示用メタデータを一括取得する
type MetadataStore interface {
	// Hydrate は見つかったIDのみを含むマップを返す。未知のIDはエラーにしない
	Hydrate(ctx context.Context, courseIDs []string) (map[string]CourseMetadata, error)
}

// Reranker は候補集合を生成モデルで並べ替え、説明文を付与する
type Reranker interface {
	// Rerank は candidates の部分集合を並べ替えて返す
	Rerank(ctx context.Context, query string, candidates []CourseCandidate) ([]RankedRecommendation, error)
}

// QueryWriter はロールの説明から検索に適したクエリ文を生成する
type QueryWriter interface {
	// WriteQuery は profile を検索用のテキストに書き換える
	WriteQuery(ctx context.Context, profile string) (string, error)
}

// Enricher はカタログ外の補足情報を取得する
type Enricher interface {
	// PublicCourses は profile に関連する公開学習プラットフォームのコースを返す
	PublicCourses(ctx context.Context, profile string) ([]PublicCourse, error)
}

// Cache は正規化済みクエリをキーとする短寿命の応答キャッシュ
type Cache interface {
	// Get は有効期限内のエントリを返す。取得が書き込みを待つことはない
	Get(key string) ([]RankedRecommendation, bool)

	// Put はエントリを丸ごと置き換える
	Put(key string, value []RankedRecommendation, ttl time.Duration) error
}

// Observer は推薦パイプラインの計測値を受け取る
type Observer interface {
	ObserveStage(state State, elapsed time.Duration)
	ObserveCache(hit bool)
	ObserveRerank(outcome RerankOutcome)
	ObserveResult(state State, elapsed time.Duration)
}

// RerankOutcome は再ランキングステージの結果区分
type RerankOutcome string

const (
	RerankSuccess  RerankOutcome = "success"
	RerankFallback RerankOutcome = "fallback"
	RerankSkipped  RerankOutcome = "skipped"
)

type nopObserver struct{}

func (nopObserver) ObserveStage(State, time.Duration) {}
func (nopObserver) ObserveCache(bool) {}
func (nopObserver) ObserveRerank(RerankOutcome) {}
func (nopObserver) ObserveResult(State, time.Duration) {}
