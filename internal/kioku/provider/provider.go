// Package provider defines the completion-model abstraction the memory
// engine talks to.
//
// The provider layer sits between the assembled context payload and the
// upstream chat API. Its sole responsibility is transport: send a message
// list, return the model's reply (whole or streamed). It never inspects or
// rewrites the payload; budget enforcement happens upstream in the
// assembler.
//
// Implementations must be safe for concurrent use from multiple goroutines.
package provider

import (
	"context"
	"errors"
)

// ErrRateLimit is returned when the upstream API reports a rate-limiting
// condition (e.g. HTTP 429 Too Many Requests). Callers should back off or
// surface the condition rather than retrying in a tight loop.
var ErrRateLimit = errors.New("provider: upstream rate limit exceeded")

// ErrMalformedOutput is returned when the upstream returns a structurally
// valid HTTP response whose body cannot be interpreted as a completion
// (e.g. JSON parse failure, no choices).
var ErrMalformedOutput = errors.New("provider: malformed response from upstream")

// Message is one entry in a chat payload.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
}

// Request is a single completion call.
type Request struct {
	// Messages is the assembled payload, system entries first.
	Messages []Message

	// Temperature controls sampling; zero means the provider default.
	Temperature float64

	// MaxTokens bounds the reply length. Zero means no explicit bound.
	MaxTokens int
}

// Usage carries the token counts reported by the upstream API for a single
// call. Fields are zero-valued when the provider does not report usage.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the model's reply to a Request.
type Completion struct {
	// Content is the reply text.
	Content string
	// FinishReason is the upstream's stop reason ("stop", "length", ...).
	FinishReason string
	// Model is the model name as reported by the provider.
	Model string
	// Usage holds reported token counts.
	Usage Usage
}

// StreamChunk is one delta of a streamed completion. A chunk carries either
// a content delta or a terminal error, never both.
type StreamChunk struct {
	// Delta is the next fragment of reply text.
	Delta string
	// Done marks the final chunk of a successful stream.
	Done bool
	// Err terminates the stream on failure.
	Err error
}

// ModelInfo describes one model the upstream endpoint serves.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

// CompletionProvider generates chat completions from assembled payloads.
type CompletionProvider interface {
	// Complete sends the request and blocks until the full reply arrives.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// CompleteStream sends the request and returns a channel of reply
	// deltas. The channel is closed after the final chunk (Done or Err).
	CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// CheckConnection verifies the endpoint is reachable and authorized.
	CheckConnection(ctx context.Context) error

	// ListModels returns the models the endpoint serves.
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
