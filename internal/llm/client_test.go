package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(content string, prompt, completion int) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 1677652288,
		"model":   "gpt-4o-mini-2024-07-18",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
			"total_tokens":      prompt + completion,
		},
	}
}

func newClient(url string, timeout time.Duration) *llm.Client {
	return llm.NewClient(llm.Config{APIKey: "sk-test", BaseURL: url, Timeout: timeout})
}

func request() llm.CompletionRequest {
	return llm.CompletionRequest{System: "sys", User: "write a hero", Model: "gpt-4o-mini", MaxTokens: 200, Temperature: 0.5}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		messages := body["messages"].([]any)
		require.Len(t, messages, 2)
		assert.Equal(t, "system", messages[0].(map[string]any)["role"])
		assert.Equal(t, "write a hero", messages[1].(map[string]any)["content"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse(`{"headline":"Hi"}`, 120, 45))
	}))
	defer server.Close()

	result, err := newClient(server.URL, time.Second).Complete(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, `{"headline":"Hi"}`, result.Content)
	assert.Equal(t, 120, result.PromptTokens)
	assert.Equal(t, 45, result.CompletionTokens)
	assert.Equal(t, result.PromptTokens+result.CompletionTokens, result.TotalTokens)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", result.Model)
}

func TestClient_Complete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL, time.Second).Complete(context.Background(), request())
	require.Error(t, err)

	var rateErr *llm.RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, 7*time.Second, rateErr.RetryAfter)
	assert.Equal(t, http.StatusTooManyRequests, rateErr.StatusCode)
	assert.Contains(t, rateErr.ResponseBody, "Rate limit reached")

	var apiErr *llm.APIError
	assert.True(t, errors.As(err, &apiErr), "rate limit errors are API errors")
	assert.True(t, llm.IsRateLimit(err))
	assert.Contains(t, llm.UserMessage(err), "try again later")
}

func TestClient_Complete_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer server.Close()

	_, err := newClient(server.URL, time.Second).Complete(context.Background(), request())
	require.Error(t, err)

	var apiErr *llm.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.ResponseBody)
	assert.False(t, llm.IsRateLimit(err))
	assert.Equal(t, http.StatusBadGateway, llm.StatusCode(err))
}

func TestClient_Complete_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices": [`))
	}))
	defer server.Close()

	_, err := newClient(server.URL, time.Second).Complete(context.Background(), request())
	require.Error(t, err)

	var invalidErr *llm.InvalidResponseError
	require.True(t, errors.As(err, &invalidErr))
	assert.Equal(t, http.StatusOK, invalidErr.StatusCode)
	assert.Equal(t, `{"choices": [`, invalidErr.ResponseBody)
}

func TestClient_Complete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":0,"total_tokens":3}}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL, time.Second).Complete(context.Background(), request())
	var invalidErr *llm.InvalidResponseError
	require.True(t, errors.As(err, &invalidErr))
}

func TestClient_Complete_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := newClient(server.URL, 50*time.Millisecond).Complete(context.Background(), request())
	require.Error(t, err)
	assert.True(t, llm.IsTimeout(err), "got %T: %v", err, err)
	assert.Contains(t, llm.UserMessage(err), "try again")
}

func TestClient_Complete_NetworkFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newClient(url, time.Second).Complete(context.Background(), request())
	require.Error(t, err)

	var netErr *llm.NetworkError
	assert.True(t, errors.As(err, &netErr), "got %T: %v", err, err)
	assert.Equal(t, 0, llm.StatusCode(err))
}

func TestClient_Complete_MissingAPIKey(t *testing.T) {
	client := llm.NewClient(llm.Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Complete(context.Background(), request())
	require.ErrorIs(t, err, llm.ErrMissingAPIKey)
	assert.Contains(t, llm.UserMessage(err), "check settings")
}
