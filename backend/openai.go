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

// OpenAI is the HTTP chat-completion variant. It speaks the
// /chat/completions shape, so it covers OpenAI, LM Studio, vLLM, LocalAI
// and any other compatible endpoint.
type OpenAI struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	policy     RetryPolicy
	httpClient *http.Client
	log        *slog.Logger
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAI builds the chat-completion variant. apiKey may be empty for
// keyless local endpoints.
func NewOpenAI(name, baseURL, apiKey, model string, policy RetryPolicy) *OpenAI {
	return &OpenAI{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		policy:  policy,
		// Per-attempt deadlines come from the retry policy context.
		httpClient: &http.Client{},
		log:        slog.With("backend", name, "model", model),
	}
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Infer(ctx context.Context, systemPrompt string, turns []Turn, params Params) (*Reply, error) {
	messages := make([]openAIMessage, 0, len(turns)+1)
	messages = append(messages, openAIMessage{Role: "system", Content: systemPrompt})
	for _, t := range turns {
		messages = append(messages, openAIMessage{Role: t.Role, Content: t.Content})
	}

	body := openAIRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		Stream:      false,
	}

	return withRetry(ctx, o.log, o.policy, func(ctx context.Context) (*Reply, error) {
		return o.call(ctx, body)
	})
}

func (o *OpenAI) call(ctx context.Context, body openAIRequest) (*Reply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fatalf("marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, transientf("cannot reach %s: %v", o.baseURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientf("read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fatalf("authentication failed (HTTP %d), check the API key", resp.StatusCode)
	case retryable(resp.StatusCode):
		return nil, transientf("provider returned HTTP %d: %s", resp.StatusCode, snippet(raw))
	case resp.StatusCode != http.StatusOK:
		return nil, fatalf("provider returned HTTP %d: %s", resp.StatusCode, snippet(raw))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, transientf("parse response: %v", err)
	}
	if parsed.Error != nil {
		return nil, fatalf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, transientf("provider returned no choices")
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return nil, transientf("provider returned empty content")
	}

	latency := time.Since(start)
	o.log.Debug("completion",
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
		"latency", latency)

	return &Reply{
		Text:             text,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Latency:          latency,
	}, nil
}

// Healthy probes /models; 401 counts as reachable-but-needs-auth.
func (o *OpenAI) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusUnauthorized
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

var _ Backend = (*OpenAI)(nil)
