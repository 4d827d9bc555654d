package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/rerank"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// JSONParseMaxRetries はJSON解析エラー時の最大リトライ回数
	JSONParseMaxRetries = 1
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrInvalidResponseFormat は不正なレスポンス形式のエラー
	ErrInvalidResponseFormat = errors.New("invalid response format")
)

// Client は OpenAI 互換 API を使用した LLM クライアント実装
type Client struct {
	client   openai.Client
	model    string
	timeout  time.Duration
	retry    retry.Policy
	throttle *Throttle
	breaker  *Breaker
}

type clientOptions struct {
	model             string
	baseURL           string
	timeout           time.Duration
	retry             retry.Policy
	requestsPerMinute int
	breaker           *Breaker
	httpClient        *http.Client
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithModel はモデル名を上書きする
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithBaseURL は OpenAI 互換ゲートウェイの URL を設定する
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithTimeout はAPIコール全体のタイムアウトを設定する
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithRetryPolicy はリトライ方針を設定する
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(o *clientOptions) {
		o.retry = p
	}
}

// WithRequestsPerMinute は1分あたりのリクエスト数を制限する
func WithRequestsPerMinute(n int) ClientOption {
	return func(o *clientOptions) {
		o.requestsPerMinute = n
	}
}

// WithBreaker はサーキットブレーカーを設定する
func WithBreaker(b *Breaker) ClientOption {
	return func(o *clientOptions) {
		o.breaker = b
	}
}

// WithHTTPClient は HTTP クライアントを差し替える
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

// requestOptions は SDK に渡す共通オプションを組み立てる
// SDK 内蔵のリトライは無効化し、retry.Policy に一本化する
func requestOptions(apiKey, baseURL string, httpClient *http.Client) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return opts
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:   DefaultModel,
		timeout: DefaultTimeout,
		retry:   retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		client:   openai.NewClient(requestOptions(apiKey, options.baseURL, options.httpClient)...),
		model:    options.model,
		timeout:  options.timeout,
		retry:    options.retry,
		throttle: NewThrottle(options.requestsPerMinute),
		breaker:  options.breaker,
	}, nil
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion は OpenAI API を使用してテキストを生成する
func (c *Client) GenerateCompletion(ctx context.Context, req rerank.CompletionRequest) (rerank.CompletionResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	var jsonParseRetries int
	for {
		resp, err := c.generateWithRetry(ctx, model, req)
		if err != nil {
			return rerank.CompletionResponse{}, err
		}

		if req.ResponseFormat == "json" {
			if !isValidJSON(resp.Content) {
				jsonParseRetries++
				if jsonParseRetries > JSONParseMaxRetries {
					return rerank.CompletionResponse{}, fmt.Errorf("%w: JSON parse failed after %d retries", ErrInvalidResponseFormat, JSONParseMaxRetries)
				}
				continue
			}
		}

		return resp, nil
	}
}

func (c *Client) generateWithRetry(ctx context.Context, model string, req rerank.CompletionRequest) (rerank.CompletionResponse, error) {
	return execute(c.breaker, func() (rerank.CompletionResponse, error) {
		return retry.Do(ctx, c.retry, isRetryable, func(ctx context.Context) (rerank.CompletionResponse, error) {
			if err := c.throttle.Wait(ctx); err != nil {
				return rerank.CompletionResponse{}, err
			}
			return c.createCompletion(ctx, model, req)
		})
	})
}

func (c *Client) createCompletion(ctx context.Context, model string, req rerank.CompletionRequest) (rerank.CompletionResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if req.ResponseFormat == "json" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return rerank.CompletionResponse{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(completion.Choices) == 0 {
		return rerank.CompletionResponse{}, fmt.Errorf("%w: no completion choices returned", ErrInvalidResponseFormat)
	}

	return rerank.CompletionResponse{
		Content:    completion.Choices[0].Message.Content,
		TokensUsed: int(completion.Usage.TotalTokens),
		Model:      string(completion.Model),
	}, nil
}

func isValidJSON(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// インターフェース実装の確認
var _ rerank.Client = (*Client)(nil)
