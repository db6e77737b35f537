package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/kioku/common/retry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Config configures the OpenAI-compatible completion provider.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama,
	// llama.cpp server) or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// openAIProvider implements CompletionProvider against the OpenAI chat
// completions API.
type openAIProvider struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns a CompletionProvider backed by the OpenAI (or
// compatible) chat API. The returned provider is safe for concurrent use.
func NewOpenAI(cfg Config) CompletionProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

var _ CompletionProvider = (*openAIProvider)(nil)

// --- minimal OpenAI wire types ---

type oaiRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type oaiResponse struct {
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   *oaiUsage   `json:"usage,omitempty"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiChoice struct {
	Message      Message `json:"message"`
	Delta        Message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type oaiModelList struct {
	Data []ModelInfo `json:"data"`
}

// Complete sends the request and retries transient upstream failures.
func (p *openAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	var out *Completion
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		c, err := p.complete(ctx, req)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (p *openAIProvider) complete(ctx context.Context, req Request) (*Completion, error) {
	body := oaiRequest{
		Model:       p.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimit
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read response body: %w", err)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if oaiResp.Error != nil {
		return nil, fmt.Errorf("provider: API error (%s): %s", oaiResp.Error.Type, oaiResp.Error.Message)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned (HTTP %d)", ErrMalformedOutput, resp.StatusCode)
	}

	choice := oaiResp.Choices[0]
	out := &Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Model:        oaiResp.Model,
	}
	if oaiResp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     oaiResp.Usage.PromptTokens,
			CompletionTokens: oaiResp.Usage.CompletionTokens,
			TotalTokens:      oaiResp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// CompleteStream opens an SSE stream and forwards content deltas. The
// returned channel is closed once the stream ends.
func (p *openAIProvider) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	body := oaiRequest{
		Model:       p.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, ErrRateLimit
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider: stream request failed (HTTP %d): %.200s", resp.StatusCode, raw)
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				ch <- StreamChunk{Done: true}
				return
			}

			var chunk oaiResponse
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				ch <- StreamChunk{Err: fmt.Errorf("%w: %v", ErrMalformedOutput, err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				select {
				case ch <- StreamChunk{Delta: delta}:
				case <-ctx.Done():
					ch <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("provider: read stream: %w", err)}
			return
		}
		// Stream ended without an explicit [DONE]; treat as complete.
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}

// CheckConnection verifies the endpoint answers the models listing.
func (p *openAIProvider) CheckConnection(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

// ListModels queries the /models endpoint.
func (p *openAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("provider: create http request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimit
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: list models failed (HTTP %d)", resp.StatusCode)
	}

	var list oaiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return list.Data, nil
}

func (p *openAIProvider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("provider: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: http request: %w", err)
	}
	return resp, nil
}
