package backend

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
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{Retries: retries, Backoff: time.Millisecond, Timeout: time.Second}
}

func openAISuccess(t *testing.T, text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": text}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 5},
		})
	}
}

func TestOpenAIInfer(t *testing.T) {
	srv := httptest.NewServer(openAISuccess(t, "the answer"))
	defer srv.Close()

	b := NewOpenAI("oai", srv.URL, "sk-test", "gpt-test", fastPolicy(0))
	reply, err := b.Infer(context.Background(), "be helpful", []Turn{
		{Role: "user", Content: "alice: explain X"},
	}, Params{MaxTokens: 100, Temperature: 0.5})

	require.NoError(t, err)
	assert.Equal(t, "the answer", reply.Text)
	assert.Equal(t, 12, reply.PromptTokens)
	assert.Equal(t, 5, reply.CompletionTokens)
	assert.Greater(t, reply.Latency, time.Duration(0))
}

func TestOpenAISendsBearerAndTurns(t *testing.T) {
	var gotAuth string
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	b := NewOpenAI("oai", srv.URL, "sk-secret", "gpt-test", fastPolicy(0))
	_, err := b.Infer(context.Background(), "sys", []Turn{
		{Role: "user", Content: "alice: hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "alice: and now?"},
	}, Params{MaxTokens: 64, Temperature: 0.7})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-secret", gotAuth)
	require.Len(t, gotReq.Messages, 4) // system + three turns
	assert.Equal(t, "assistant", gotReq.Messages[2].Role)
	assert.Equal(t, 64, gotReq.MaxTokens)
	assert.False(t, gotReq.Stream)
}

func TestOpenAIAuthFailureIsFatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewOpenAI("oai", srv.URL, "bad-key", "gpt-test", fastPolicy(3))
	_, err := b.Infer(context.Background(), "sys", []Turn{{Role: "user", Content: "hi"}}, Params{})

	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.EqualValues(t, 1, calls.Load(), "fatal failures must not be retried")
}

func TestOpenAITransientRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		openAISuccess(t, "recovered")(w, r)
	}))
	defer srv.Close()

	b := NewOpenAI("oai", srv.URL, "", "gpt-test", fastPolicy(3))
	reply, err := b.Infer(context.Background(), "sys", []Turn{{Role: "user", Content: "hi"}}, Params{})

	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Text)
	assert.EqualValues(t, 3, calls.Load())
}

func TestOpenAIRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewOpenAI("oai", srv.URL, "", "gpt-test", fastPolicy(2))
	_, err := b.Infer(context.Background(), "sys", []Turn{{Role: "user", Content: "hi"}}, Params{})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")
}

func TestOpenAIConnectionErrorIsTransient(t *testing.T) {
	// Nothing listens here.
	b := NewOpenAI("oai", "http://127.0.0.1:1", "", "gpt-test", fastPolicy(0))
	_, err := b.Infer(context.Background(), "sys", []Turn{{Role: "user", Content: "hi"}}, Params{})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAITimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	policy := RetryPolicy{Retries: 0, Backoff: time.Millisecond, Timeout: 20 * time.Millisecond}
	b := NewOpenAI("oai", srv.URL, "", "gpt-test", policy)
	_, err := b.Infer(context.Background(), "sys", []Turn{{Role: "user", Content: "hi"}}, Params{})

	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAIHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewOpenAI("oai", srv.URL, "", "gpt-test", fastPolicy(0))
	assert.True(t, b.Healthy(context.Background()))

	down := NewOpenAI("oai", "http://127.0.0.1:1", "", "gpt-test", fastPolicy(0))
	assert.False(t, down.Healthy(context.Background()))
}
