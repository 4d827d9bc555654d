package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/rerank"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	MaxTokens int `json:"max_tokens"`
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{
		WithBaseURL(srv.URL + "/"),
		WithRetryPolicy(fastRetry()),
	}, opts...)
	client, err := NewClient("dummy-key", opts...)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestClient_GenerateCompletionSendsSystemAndJSONFormat(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(w, `{"courses":[]}`)
	}, WithModel("gpt-4.1-mini"))

	resp, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{
		SystemPrompt:   "system",
		Prompt:         "user prompt",
		MaxTokens:      256,
		ResponseFormat: "json",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"courses":[]}`, resp.Content)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, "gpt-4.1-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user prompt", got.Messages[1].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Equal(t, 256, got.MaxTokens)
}

func TestClient_GenerateCompletionRetriesInvalidJSONOnce(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeCompletion(w, "not json")
			return
		}
		writeCompletion(w, `[]`)
	})

	resp, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{Prompt: "p", ResponseFormat: "json"})
	require.NoError(t, err)
	assert.Equal(t, "[]", resp.Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_GenerateCompletionFailsOnPersistentInvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w, "still not json")
	})

	_, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{Prompt: "p", ResponseFormat: "json"})
	assert.ErrorIs(t, err, ErrInvalidResponseFormat)
}

func TestClient_GenerateCompletionRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writeAPIError(w, http.StatusBadGateway)
			return
		}
		writeCompletion(w, "ok")
	})

	resp, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	var transitions []string
	settings := DefaultBreakerSettings("reranker")
	settings.MaxConsecutiveFailures = 2
	settings.OpenTimeout = time.Minute
	settings.OnStateChange = func(_, from, to string) {
		transitions = append(transitions, from+"->"+to)
	}
	breaker := NewBreaker(settings)

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeAPIError(w, http.StatusInternalServerError)
	}, WithBreaker(breaker), WithRetryPolicy(retry.NoRetry()))

	for range 2 {
		_, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{Prompt: "p"})
		require.Error(t, err)
	}
	assert.Equal(t, "open", breaker.State())

	_, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{Prompt: "p"})
	assert.True(t, IsOpenError(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestClient_BreakerIgnoresClientErrors(t *testing.T) {
	settings := DefaultBreakerSettings("reranker")
	settings.MaxConsecutiveFailures = 1
	breaker := NewBreaker(settings)

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusBadRequest)
	}, WithBreaker(breaker))

	for range 3 {
		_, err := client.GenerateCompletion(context.Background(), rerank.CompletionRequest{Prompt: "p"})
		require.Error(t, err)
		assert.False(t, IsOpenError(err))
	}
	assert.Equal(t, "closed", breaker.State())
}

func TestClient_CancellationReachesTransport(t *testing.T) {
	released := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(released)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.GenerateCompletion(ctx, rerank.CompletionRequest{Prompt: "p"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("server request was not cancelled")
	}
}

func TestThrottle_NilAllowsEverything(t *testing.T) {
	var throttle *Throttle
	assert.NoError(t, throttle.Wait(context.Background()))
	assert.Nil(t, NewThrottle(0))
}

func TestThrottle_WaitHonoursContext(t *testing.T) {
	throttle := NewThrottle(1)
	require.NoError(t, throttle.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, throttle.Wait(ctx))
}
