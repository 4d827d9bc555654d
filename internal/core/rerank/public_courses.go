package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

const (
	// PublicPromptVersion は公開コース検索プロンプトのバージョン
	PublicPromptVersion = "public-courses-v1"

	// DefaultMaxPublicCourses は返す公開コース数の既定上限
	DefaultMaxPublicCourses = 15
)

// excludedHosts はカタログ自身のプラットフォーム。公開コースとしては扱わない
var excludedHosts = []string{"igotkarmayogi.gov.in", "karmayogi"}

// PublicSystemPrompt は公開コース検索のシステムメッセージ
const PublicSystemPrompt = `You are an expert in civil service training and development.
Your role is to recommend highly relevant and foundational courses that would help professionals excel in their designation within government/administrative organizations.`

const publicInstructions = `Recommend 10-15 courses from credible public learning platforms such as Coursera, edX, Udemy, FutureLearn, SWAYAM, NPTEL, Khan Academy, Harvard Online, MIT OCW, Stanford Online or LinkedIn Learning.
Prefer globally credible and India-contextualised content. Do not include iGOT/Karmayogi links.
Courses must strengthen behavioural, functional and domain competencies of the role.
Recommend only specific courses that exist publicly. Do not include category pages or invented course names.
Keep rationales concise and role-relevant. Avoid duplicates.

## OUTPUT
Respond with a single JSON object of the form:
{"courses":[{"course":"<course name as on the web page>","platform":"<platform>","relevancy":<integer 0-100>,"rationale":"<1-2 sentences>","language":"<language code>","public_link":"<https URL of the course>","competencies":[{"competencyAreaName":"","competencyThemeName":"","competencySubThemeName":""}]}]}

## ROLE
`

// publicCourse は生成モデルが返す公開コース1件
type publicCourse struct {
	Course       string                 `json:"course"`
	Platform     string                 `json:"platform"`
	Relevancy    relevancy              `json:"relevancy"`
	Rationale    string                 `json:"rationale"`
	Language     string                 `json:"language"`
	PublicLink   string                 `json:"public_link"`
	Competencies []recommend.Competency `json:"competencies"`
}

type publicEnvelope struct {
	Courses []publicCourse `json:"courses"`
}

// PublicCourseFinder は生成モデルに公開学習プラットフォームのコースを尋ねる
// 同じロールへの結果は一定時間保持する
type PublicCourseFinder struct {
	client     Client
	model      string
	maxCourses int
	cache      *expirable.LRU[string, []recommend.PublicCourse]
	logger     *slog.Logger
}

type publicOptions struct {
	model      string
	maxCourses int
	cacheSize  int
	cacheTTL   time.Duration
	logger     *slog.Logger
}

// PublicOption は PublicCourseFinder 構築時のオプション
type PublicOption func(*publicOptions)

// WithPublicModel は使用するモデル名を設定する
func WithPublicModel(model string) PublicOption {
	return func(o *publicOptions) {
		o.model = model
	}
}

// WithMaxPublicCourses は返す公開コース数の上限を設定する
func WithMaxPublicCourses(n int) PublicOption {
	return func(o *publicOptions) {
		if n > 0 {
			o.maxCourses = n
		}
	}
}

// WithPublicCache は結果を保持する件数と期間を設定する
func WithPublicCache(size int, ttl time.Duration) PublicOption {
	return func(o *publicOptions) {
		if size > 0 {
			o.cacheSize = size
		}
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithPublicLogger はロガーを差し替える
func WithPublicLogger(logger *slog.Logger) PublicOption {
	return func(o *publicOptions) {
		o.logger = logger
	}
}

// NewPublicCourseFinder は新しい PublicCourseFinder を作成する
func NewPublicCourseFinder(client Client, opts ...PublicOption) *PublicCourseFinder {
	options := publicOptions{
		maxCourses: DefaultMaxPublicCourses,
		cacheSize:  256,
		cacheTTL:   time.Hour,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &PublicCourseFinder{
		client:     client,
		model:      options.model,
		maxCourses: options.maxCourses,
		cache:      expirable.NewLRU[string, []recommend.PublicCourse](options.cacheSize, nil, options.cacheTTL),
		logger:     options.logger,
	}
}

// PublicCourses はロールに関連する公開コースを返す
func (f *PublicCourseFinder) PublicCourses(ctx context.Context, profile string) ([]recommend.PublicCourse, error) {
	key := recommend.TextHash(recommend.NormalizeText(profile))
	if courses, ok := f.cache.Get(key); ok {
		return slices.Clone(courses), nil
	}

	resp, err := f.client.GenerateCompletion(ctx, CompletionRequest{
		SystemPrompt:   PublicSystemPrompt,
		Prompt:         publicInstructions + profile,
		Temperature:    0.5,
		MaxTokens:      DefaultMaxOutputTokens,
		ResponseFormat: "json",
		Model:          f.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find public courses: %w", err)
	}

	courses, err := ParsePublicCourses(resp.Content, f.maxCourses)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("public_courses_found",
		slog.String("prompt_version", PublicPromptVersion),
		slog.String("model", resp.Model),
		slog.Int("count", len(courses)),
		slog.Int("tokens_used", resp.TokensUsed))

	f.cache.Add(key, slices.Clone(courses))
	return courses, nil
}

// ParsePublicCourses は生成モデルの応答から公開コースを取り出す
// 名前やリンクが欠けたもの、カタログ自身のリンク、重複は捨てる
func ParsePublicCourses(content string, limit int) ([]recommend.PublicCourse, error) {
	body := []byte(stripCodeFence(content))
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty public course response", recommend.ErrRerankParse)
	}

	var raw []publicCourse
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("%w: %w", recommend.ErrRerankParse, err)
		}
	case '{':
		var envelope publicEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %w", recommend.ErrRerankParse, err)
		}
		raw = envelope.Courses
	default:
		return nil, fmt.Errorf("%w: public course response is not JSON", recommend.ErrRerankParse)
	}

	seen := make(map[string]struct{}, len(raw))
	courses := make([]recommend.PublicCourse, 0, len(raw))
	for _, c := range raw {
		if limit > 0 && len(courses) >= limit {
			break
		}
		title := strings.TrimSpace(c.Course)
		link, ok := publicLink(c.PublicLink)
		if title == "" || !ok {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}

		courses = append(courses, recommend.PublicCourse{
			Identifier:   uuid.NewString(),
			Title:        title,
			Platform:     strings.TrimSpace(c.Platform),
			Relevancy:    int(c.Relevancy),
			Rationale:    strings.TrimSpace(c.Rationale),
			Language:     strings.TrimSpace(c.Language),
			Link:         link,
			Competencies: c.Competencies,
			IsPublic:     true,
		})
	}
	return courses, nil
}

// publicLink はリンクが外部の http(s) URL であれば正規化して返す
func publicLink(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	for _, excluded := range excludedHosts {
		if strings.Contains(host, excluded) {
			return "", false
		}
	}
	return u.String(), true
}

// インターフェース実装の確認
var _ recommend.Enricher = (*PublicCourseFinder)(nil)
