package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/internal/kioku/provider"
)

const (
	defaultEmbedBaseURL = "https://api.openai.com/v1"
	defaultEmbedModel   = "text-embedding-3-small"
	defaultEmbedTimeout = 30 * time.Second
)

// EmbedderConfig configures the OpenAI-compatible embedding client.
type EmbedderConfig struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to the OpenAI API.
	BaseURL string

	// Model is the embedding model. Defaults to text-embedding-3-small.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// openAIEmbedder implements Embedder against the OpenAI embeddings API.
type openAIEmbedder struct {
	cfg    EmbedderConfig
	client *http.Client
	pool   *provider.PermitPool
}

// NewOpenAIEmbedder returns an Embedder backed by the OpenAI (or
// compatible) embeddings API. Calls share the given permit pool with the
// completion provider; a nil pool disables limiting.
func NewOpenAIEmbedder(cfg EmbedderConfig, pool *provider.PermitPool) Embedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbedBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbedModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbedTimeout
	}
	return &openAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		pool:   pool,
	}
}

var _ Embedder = (*openAIEmbedder)(nil)

// --- minimal OpenAI wire types ---

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding of a single text.
func (e *openAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one upstream call, retrying transient
// failures.
func (e *openAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.pool != nil {
		if err := e.pool.Acquire(ctx); err != nil {
			return nil, err
		}
		defer e.pool.Release()
	}

	var out [][]float32
	err := retry.Do(ctx, retry.DefaultConfig, func() error {
		vecs, err := e.embed(ctx, texts)
		if err != nil {
			return err
		}
		out = vecs
		return nil
	})
	return out, err
}

func (e *openAIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	data, err := json.Marshal(embedRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("retrieval: marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("retrieval: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieval: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, provider.ErrRateLimit
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("retrieval: read response body: %w", err)
	}

	var embResp embedResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedOutput, err)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("retrieval: API error (%s): %s", embResp.Error.Type, embResp.Error.Message)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs",
			provider.ErrMalformedOutput, len(embResp.Data), len(texts))
	}

	// The API may return entries out of order; place by index.
	vecs := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", provider.ErrMalformedOutput, d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
