// Package retrieval implements semantic recall over a session's stored
// messages: embed the query, score an importance-ranked candidate pool by
// cosine similarity, boost affect-matched candidates, and format the top
// results into a context block for the payload assembler.
package retrieval

import "context"

// Embedder turns text into embedding vectors.
//
// Implementations must be safe for concurrent use. A failed embedding is
// not fatal to the conversation: callers degrade to recency-only memory
// when no vector is available.
type Embedder interface {
	// Embed returns the embedding of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// NoopEmbedder is an Embedder that always reports no vector. It is the
// fallback when no embedding endpoint is configured; retrieval quietly
// degrades and the rest of the engine keeps working.
type NoopEmbedder struct{}

var _ Embedder = NoopEmbedder{}

// Embed returns nil without error.
func (NoopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, nil
}

// EmbedBatch returns one nil vector per input.
func (NoopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}
