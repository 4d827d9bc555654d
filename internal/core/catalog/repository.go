package catalog

import "context"

// Repository はコースカタログの読み出しを担う
type Repository interface {
	// ListCourses は afterID より大きいIDのコースをID昇順で最大 limit 件返す
	ListCourses(ctx context.Context, afterID string, limit int) ([]Course, error)
}

// VectorWriter はコース Embedding を保存する
type VectorWriter interface {
	// Upsert は同じコースIDの既存ベクトルを置き換える
	Upsert(ctx context.Context, vectors []CourseVector) error
}

// IndexState は書き込み先に保存済みの Embedding の元テキストハッシュとモデル
type IndexState struct {
	TextHash string
	Model    string
}

// IndexStateReader は書き込み先が自身の索引状態を返せる場合に実装する
// 実装している場合、Repository が返す索引状態より優先する
type IndexStateReader interface {
	// IndexState は ids のうち索引済みのコースの状態を返す。未索引のIDは含めない
	IndexState(ctx context.Context, ids []string) (map[string]IndexState, error)
}

// BatchEmbedder は複数テキストの Embedding をまとめて生成する
type BatchEmbedder interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
	ModelName() string
	MaxBatchSize() int
}
