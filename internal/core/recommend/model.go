package recommend

import (
	"time"
)

// DefaultTopK はリクエストで件数を指定しなかった場合の推薦件数
const DefaultTopK = 10

// Filters は検索前に適用する任意の絞り込み条件を表す
type Filters struct {
	Provider string `json:"provider,omitempty"`
	Language string `json:"language,omitempty"`
}

// Request は推薦リクエストを表す
// 値として受け渡され、生成後に変更されない
type Request struct {
	RoleTitle      string  `json:"roleTitle"`
	CompetencyText string  `json:"competencyText,omitempty"`
	OrganizationID string  `json:"organizationID,omitempty"`
	TopK           int     `json:"topK"`
	Filters        Filters `json:"filters"`

	// SkipRerank が true の場合は生成モデルによる再ランキングを行わない
	SkipRerank bool `json:"skipRerank,omitempty"`

	// IncludePublic が true の場合は公開学習プラットフォームのコースも併せて探す
	IncludePublic bool `json:"includePublic,omitempty"`
}

// RequestOption は Request 生成時のオプション
type RequestOption func(*Request)

// WithCompetency はコンピテンシーの説明文を設定する
func WithCompetency(text string) RequestOption {
	return func(r *Request) {
		r.CompetencyText = text
	}
}

// WithOrganization は組織IDを設定する
func WithOrganization(id string) RequestOption {
	return func(r *Request) {
		r.OrganizationID = id
	}
}

// WithTopK は推薦件数を設定する
func WithTopK(k int) RequestOption {
	return func(r *Request) {
		r.TopK = k
	}
}

// WithFilters は絞り込み条件を設定する
func WithFilters(f Filters) RequestOption {
	return func(r *Request) {
		r.Filters = f
	}
}

// WithoutRerank は再ランキングを無効化する
func WithoutRerank() RequestOption {
	return func(r *Request) {
		r.SkipRerank = true
	}
}

// WithPublicCourses は公開学習プラットフォームのコース検索を有効化する
func WithPublicCourses() RequestOption {
	return func(r *Request) {
		r.IncludePublic = true
	}
}

// NewRequest は既定の件数で Request を作成する
func NewRequest(roleTitle string, opts ...RequestOption) Request {
	req := Request{
		RoleTitle: roleTitle,
		TopK:      DefaultTopK,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// QueryEmbedding はクエリテキストから生成したベクトルを表す
type QueryEmbedding struct {
	Vector      []float32
	SourceHash  string
	GeneratedAt time.Time
}

// Competency はコースに紐づくコンピテンシー
type Competency struct {
	Area     string `json:"competencyAreaName"`
	Theme    string `json:"competencyThemeName"`
	SubTheme string `json:"competencySubThemeName"`
}

// CourseMetadata はナレッジベースから取得するコースの表示用メタデータ
type CourseMetadata struct {
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	Language     string       `json:"language,omitempty"`
	Duration     string       `json:"duration,omitempty"`
	Organisation string       `json:"organisation,omitempty"`
	Competencies []Competency `json:"competencies,omitempty"`
}

// CourseCandidate はベクトル検索で得られた候補コース
type CourseCandidate struct {
	CourseID   string         `json:"courseID"`
	Similarity float64        `json:"similarity"`
	Metadata   CourseMetadata `json:"metadata"`
}

// RankedRecommendation は最終的な推薦結果の1件
// Rank は 1 始まりで、レスポンス内で重複も欠番もない
type RankedRecommendation struct {
	CourseID    string         `json:"courseID"`
	Rank        int            `json:"rank"`
	Explanation string         `json:"explanation,omitempty"`
	Relevancy   int            `json:"relevancy,omitempty"`
	Similarity  float64        `json:"similarity"`
	Metadata    CourseMetadata `json:"metadata"`
}

// PublicCourse は外部の公開学習プラットフォームで提供されるコース
// カタログに存在しないため推薦結果の順位には含めない
type PublicCourse struct {
	Identifier   string       `json:"identifier"`
	Title        string       `json:"course"`
	Platform     string       `json:"platform"`
	Relevancy    int          `json:"relevancy"`
	Rationale    string       `json:"rationale,omitempty"`
	Language     string       `json:"language,omitempty"`
	Link         string       `json:"publicLink"`
	Competencies []Competency `json:"competencies,omitempty"`
	IsPublic     bool         `json:"isPublic"`
}

// Response は推薦処理の結果
type Response struct {
	Query           string                 `json:"query"`
	Recommendations []RankedRecommendation `json:"recommendations"`

	// RetrievalQuery は Embedding に使ったテキスト（クエリ生成が無効なら Query と同じ）
	RetrievalQuery string `json:"retrievalQuery,omitempty"`

	// PublicCourses はカタログ外の公開コース。取得に失敗した場合は空
	PublicCourses []PublicCourse `json:"publicCourses,omitempty"`

	// Reranked は生成モデルの並び順が採用されたかを示す
	Reranked bool `json:"reranked"`

	// Degraded は再ランキングに失敗し類似度順にフォールバックしたことを示す
	Degraded bool `json:"degraded"`

	CacheHit bool    `json:"cacheHit"`
	Trace    []State `json:"trace"`
}

// CloneRecommendations はスライスを複製する
// キャッシュとの間で要素を共有しないために使う
func CloneRecommendations(src []RankedRecommendation) []RankedRecommendation {
	if src == nil {
		return nil
	}
	dst := make([]RankedRecommendation, len(src))
	copy(dst, src)
	return dst
}
