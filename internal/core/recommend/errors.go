package recommend

import "errors"

var (
	// ErrInvalidInput は呼び出し側の入力不備（空クエリ、件数の範囲外など）を表す
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbeddingUnavailable は Embedding の生成がリトライ後も失敗したことを表す
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrRetrievalUnavailable はベクトルストアまたはメタデータストアに到達できないことを表す
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrRerankParse は生成モデルの応答を候補集合に対応付けられなかったことを表す
	ErrRerankParse = errors.New("rerank response could not be mapped to candidates")

	// ErrTimeout は必須ステージ中にリクエスト全体の時間予算を超過したことを表す
	ErrTimeout = errors.New("recommendation timed out")
)

// IsRetryable は呼び出し側が後でリクエスト全体を再試行してよいエラーかを判定する
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrRetrievalUnavailable) ||
		errors.Is(err, ErrTimeout)
}
