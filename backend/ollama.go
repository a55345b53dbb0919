package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Ollama is the local-inference variant, speaking the Ollama /api/chat
// endpoint. One synchronous call per request, no streaming.
type Ollama struct {
	name       string
	baseURL    string
	model      string
	policy     RetryPolicy
	httpClient *http.Client
	log        *slog.Logger
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount       int `json:"eval_count"`
	PromptEvalCount int `json:"prompt_eval_count"`
}

func NewOllama(name, baseURL, model string, policy RetryPolicy) *Ollama {
	return &Ollama{
		name:       name,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		policy:     policy,
		httpClient: &http.Client{},
		log:        slog.With("backend", name, "model", model),
	}
}

func (o *Ollama) Name() string { return o.name }

func (o *Ollama) Infer(ctx context.Context, systemPrompt string, turns []Turn, params Params) (*Reply, error) {
	messages := make([]openAIMessage, 0, len(turns)+1)
	messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	for _, t := range turns {
		messages = append(messages, openAIMessage{Role: t.Role, Content: t.Content})
	}

	body := ollamaRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options: ollamaOptions{
			NumPredict:  params.MaxTokens,
			Temperature: params.Temperature,
		},
	}

	return withRetry(ctx, o.log, o.policy, func(ctx context.Context) (*Reply, error) {
		return o.call(ctx, body)
	})
}

func (o *Ollama) call(ctx context.Context, body ollamaRequest) (*Reply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fatalf("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, transientf("cannot reach ollama at %s: %v", o.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientf("read response: %v", err)
	}

	switch {
	case retryable(resp.StatusCode):
		return nil, transientf("ollama returned HTTP %d: %s", resp.StatusCode, snippet(raw))
	case resp.StatusCode != http.StatusOK:
		// 404 here usually means the model is not pulled; retrying won't fix it.
		return nil, fatalf("ollama returned HTTP %d: %s", resp.StatusCode, snippet(raw))
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, transientf("parse response: %v", err)
	}

	text := strings.TrimSpace(parsed.Message.Content)
	if text == "" {
		return nil, transientf("ollama returned empty content")
	}

	latency := time.Since(start)
	o.log.Debug("completion", "eval_count", parsed.EvalCount, "latency", latency)

	return &Reply{
		Text:             text,
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
		Latency:          latency,
	}, nil
}

// Healthy probes /api/tags.
func (o *Ollama) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

var _ Backend = (*Ollama)(nil)
