package recommend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// querySeparator は役職名とコンピテンシー記述を連結する区切り
const querySeparator = " / "

// NormalizeText は前後の空白を除去し、連続する空白を1つにまとめて小文字化する
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TextHash は正規化済みテキストの SHA-256 を16進文字列で返す
func TextHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// QueryText はリクエストから検索用の正規化済みクエリテキストを組み立てる
// どちらも空の場合は空文字を返す
func (r Request) QueryText() string {
	role := NormalizeText(r.RoleTitle)
	competency := NormalizeText(r.CompetencyText)

	switch {
	case role != "" && competency != "":
		return role + querySeparator + competency
	case role != "":
		return role
	default:
		return competency
	}
}

// Fingerprint はフィルタ条件を正規化した文字列表現を返す
func (f Filters) Fingerprint() string {
	return fmt.Sprintf("provider=%s|language=%s", NormalizeText(f.Provider), NormalizeText(f.Language))
}

// normalized はフィルタ値を正規化したコピーを返す
func (f Filters) normalized() Filters {
	return Filters{
		Provider: NormalizeText(f.Provider),
		Language: NormalizeText(f.Language),
	}
}

// CacheKey は応答キャッシュのキーを組み立てる
// 異なるフィルタ集合の結果が混ざらないよう、フィルタ・件数・再ランキング有無をすべて含める
func CacheKey(query string, filters Filters, topK int, rerank bool) string {
	return fmt.Sprintf("%s|%s|k=%d|rerank=%t", TextHash(query), filters.Fingerprint(), topK, rerank)
}

// validate はリクエストを検証し、正規化済みのクエリとフィルタを返す
func (r Request) validate(maxTopK int) (string, Filters, error) {
	query := r.QueryText()
	if query == "" {
		return "", Filters{}, fmt.Errorf("%w: role title and competency text are both empty", ErrInvalidInput)
	}

	if err := ValidateTopK(r.TopK, maxTopK); err != nil {
		return "", Filters{}, err
	}

	return query, r.Filters.normalized(), nil
}

// ValidateTopK は件数が 1 以上 ceiling 以下であることを検証する
func ValidateTopK(topK, ceiling int) error {
	if topK < 1 {
		return fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidInput, topK)
	}
	if topK > ceiling {
		return fmt.Errorf("%w: topK %d exceeds ceiling %d", ErrInvalidInput, topK, ceiling)
	}
	return nil
}
