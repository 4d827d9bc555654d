package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ベクトルストアの実装
const (
	VectorBackendPostgres = "postgres"
	VectorBackendSQVect   = "sqvect"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings + 再ランキング用LLM）
	OpenAI OpenAIConfig

	// ベクトルストア設定
	Vector VectorConfig

	// 推薦パイプライン設定
	Recommend RecommendConfig

	// 再ランキング設定
	Rerank RerankConfig

	// 検索クエリ生成と公開コース検索の設定
	Enrichment EnrichmentConfig

	// キャッシュ設定
	Cache CacheConfig

	// 外部呼び出しのリトライ設定
	Retry RetryConfig

	// ログ設定
	Log LogConfig

	// メトリクス公開アドレス（空なら公開しない）
	MetricsAddr string
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// OpenAIConfig はOpenAI API設定（Embeddings + LLM）
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string // OpenAI互換ゲートウェイを使う場合に指定
	EmbeddingModel     string
	EmbeddingDimension int
	LLMModel           string
}

// VectorConfig はベクトルストアの設定
type VectorConfig struct {
	Backend    string // "postgres" or "sqvect"
	SQVectPath string
}

// RecommendConfig は推薦パイプラインの設定
type RecommendConfig struct {
	Timeout       time.Duration
	DefaultTopK   int
	MaxTopK       int
	MinSimilarity float64
}

// RerankConfig は生成モデルによる再ランキングの設定
type RerankConfig struct {
	Enabled           bool
	MaxCandidates     int
	Timeout           time.Duration
	TokenBudget       int
	RequestsPerMinute int
}

// EnrichmentConfig は生成モデルによる補助ステージの設定
// どちらも失敗しても推薦自体は失敗させない
type EnrichmentConfig struct {
	QuerySynthesisEnabled bool
	QuerySynthesisTimeout time.Duration
	PublicCoursesEnabled  bool
	PublicCoursesTimeout  time.Duration
	PublicCoursesMax      int
}

// LLMEnabled は生成モデルを使うステージが1つでも有効かを返す
func (c *Config) LLMEnabled() bool {
	return c.Rerank.Enabled || c.Enrichment.QuerySynthesisEnabled || c.Enrichment.PublicCoursesEnabled
}

// CacheConfig は応答キャッシュと Embedding キャッシュの設定
type CacheConfig struct {
	TTL               time.Duration
	Capacity          int
	EmbeddingTTL      time.Duration
	EmbeddingCapacity int
}

// RetryConfig はリトライ方針の設定
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "cbp"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "cbp"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 10),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			LLMModel:           getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
		},
		Vector: VectorConfig{
			Backend:    strings.ToLower(getEnv("VECTOR_BACKEND", VectorBackendPostgres)),
			SQVectPath: getEnv("SQVECT_PATH", "cbp-vectors.db"),
		},
		Recommend: RecommendConfig{
			Timeout:       getEnvAsDuration("RECOMMEND_TIMEOUT", 8*time.Second),
			DefaultTopK:   getEnvAsInt("RECOMMEND_DEFAULT_TOPK", 10),
			MaxTopK:       getEnvAsInt("RECOMMEND_MAX_TOPK", 100),
			MinSimilarity: getEnvAsFloat("RECOMMEND_MIN_SIMILARITY", 0),
		},
		Rerank: RerankConfig{
			Enabled:           getEnvAsBool("RERANK_ENABLED", true),
			MaxCandidates:     getEnvAsInt("RERANK_MAX_CANDIDATES", 20),
			Timeout:           getEnvAsDuration("RERANK_TIMEOUT", 5*time.Second),
			TokenBudget:       getEnvAsInt("RERANK_TOKEN_BUDGET", 6000),
			RequestsPerMinute: getEnvAsInt("LLM_REQUESTS_PER_MINUTE", 0),
		},
		Enrichment: EnrichmentConfig{
			QuerySynthesisEnabled: getEnvAsBool("QUERY_SYNTHESIS_ENABLED", false),
			QuerySynthesisTimeout: getEnvAsDuration("QUERY_SYNTHESIS_TIMEOUT", 3*time.Second),
			PublicCoursesEnabled:  getEnvAsBool("PUBLIC_COURSES_ENABLED", false),
			PublicCoursesTimeout:  getEnvAsDuration("PUBLIC_COURSES_TIMEOUT", 5*time.Second),
			PublicCoursesMax:      getEnvAsInt("PUBLIC_COURSES_MAX", 15),
		},
		Cache: CacheConfig{
			TTL:               getEnvAsDuration("CACHE_TTL", 10*time.Minute),
			Capacity:          getEnvAsInt("CACHE_CAPACITY", 1024),
			EmbeddingTTL:      getEnvAsDuration("EMBEDDING_CACHE_TTL", time.Hour),
			EmbeddingCapacity: getEnvAsInt("EMBEDDING_CACHE_CAPACITY", 4096),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 2*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
	}

	return cfg, nil
}

// Validate は矛盾する設定値を検出します
func (c *Config) Validate() error {
	var errs []error

	if c.OpenAI.EmbeddingDimension <= 0 {
		errs = append(errs, fmt.Errorf("OPENAI_EMBEDDING_DIMENSION must be positive, got %d", c.OpenAI.EmbeddingDimension))
	}
	switch c.Vector.Backend {
	case VectorBackendPostgres:
	case VectorBackendSQVect:
		if c.Vector.SQVectPath == "" {
			errs = append(errs, errors.New("SQVECT_PATH is required when VECTOR_BACKEND=sqvect"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown VECTOR_BACKEND %q", c.Vector.Backend))
	}
	if c.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must not be negative, got %d", c.Database.MaxConns))
	}

	if c.Recommend.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("RECOMMEND_TIMEOUT must be positive, got %s", c.Recommend.Timeout))
	}
	if c.Recommend.MaxTopK < 1 {
		errs = append(errs, fmt.Errorf("RECOMMEND_MAX_TOPK must be positive, got %d", c.Recommend.MaxTopK))
	}
	if c.Recommend.DefaultTopK < 1 || c.Recommend.DefaultTopK > c.Recommend.MaxTopK {
		errs = append(errs, fmt.Errorf("RECOMMEND_DEFAULT_TOPK must be within 1..%d, got %d", c.Recommend.MaxTopK, c.Recommend.DefaultTopK))
	}
	if c.Recommend.MinSimilarity < 0 || c.Recommend.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("RECOMMEND_MIN_SIMILARITY must be within 0..1, got %g", c.Recommend.MinSimilarity))
	}

	if c.Rerank.Enabled {
		if c.Rerank.MaxCandidates < 1 {
			errs = append(errs, fmt.Errorf("RERANK_MAX_CANDIDATES must be positive, got %d", c.Rerank.MaxCandidates))
		}
		if c.Rerank.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("RERANK_TIMEOUT must be positive, got %s", c.Rerank.Timeout))
		}
	}
	if c.Enrichment.QuerySynthesisEnabled && c.Enrichment.QuerySynthesisTimeout <= 0 {
		errs = append(errs, fmt.Errorf("QUERY_SYNTHESIS_TIMEOUT must be positive, got %s", c.Enrichment.QuerySynthesisTimeout))
	}
	if c.Enrichment.PublicCoursesEnabled {
		if c.Enrichment.PublicCoursesTimeout <= 0 {
			errs = append(errs, fmt.Errorf("PUBLIC_COURSES_TIMEOUT must be positive, got %s", c.Enrichment.PublicCoursesTimeout))
		}
		if c.Enrichment.PublicCoursesMax < 1 {
			errs = append(errs, fmt.Errorf("PUBLIC_COURSES_MAX must be positive, got %d", c.Enrichment.PublicCoursesMax))
		}
	}
	if c.Rerank.RequestsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("LLM_REQUESTS_PER_MINUTE must not be negative, got %d", c.Rerank.RequestsPerMinute))
	}

	if c.Cache.TTL < 0 || c.Cache.EmbeddingTTL < 0 {
		errs = append(errs, errors.New("cache TTLs must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY (%s) exceeds RETRY_MAX_DELAY (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}

	return errors.Join(errs...)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します（例: "8s", "500ms"）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
