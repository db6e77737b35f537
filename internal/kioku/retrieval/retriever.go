package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/kioku/internal/kioku/emotion"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

const (
	// DefaultTopK is the number of results injected per turn.
	DefaultTopK = 3
	// DefaultMaxCandidates caps the importance-ranked pool scored per
	// search.
	DefaultMaxCandidates = 50
)

// Result is one retrieved memory with its final relevance.
type Result struct {
	// MessageID is the source message's sequence id.
	MessageID int64
	Text      string
	// Source distinguishes persona chunks ("persona") from conversation
	// memories ("message").
	Source string
	// Relevance is the cosine similarity after any affect boost.
	Relevance float64
	// BoostApplied is the affect multiplier used, or 0 when none was.
	BoostApplied float64
}

// candidateSource is the slice of session reads the retriever needs.
type candidateSource interface {
	Candidates(max int) ([]store.Message, error)
}

// Retriever scores a session's embedded messages against a query vector.
type Retriever struct {
	TopK          int
	MaxCandidates int
}

// NewRetriever returns a Retriever with the given bounds; non-positive
// values fall back to the defaults.
func NewRetriever(topK, maxCandidates int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}
	return &Retriever{TopK: topK, MaxCandidates: maxCandidates}
}

// Search returns the TopK most relevant memories for the query embedding.
// Candidates whose affect label matches a non-neutral queryEmotion get
// their similarity boosted by 1 + importance*0.3. Results are sorted by
// relevance descending; ties keep candidate order so repeated searches are
// deterministic. A nil query embedding yields no results.
func (r *Retriever) Search(ctx context.Context, src candidateSource, queryEmbedding []float32, queryEmotion string) ([]Result, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	candidates, err := src.Candidates(r.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("retrieval: load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(candidates))
	for _, msg := range candidates {
		score := store.CosineSimilarity(queryEmbedding, msg.Embedding)

		boost := 0.0
		if queryEmotion != "" && queryEmotion != emotion.Neutral && msg.Emotion == queryEmotion {
			boost = 1 + msg.Importance*0.3
			score *= boost
		}

		source := "message"
		if msg.Role == "system" {
			source = "persona"
		}
		results = append(results, Result{
			MessageID:    msg.ID,
			Text:         msg.Content,
			Source:       source,
			Relevance:    score,
			BoostApplied: boost,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	if len(results) > r.TopK {
		results = results[:r.TopK]
	}

	topScore := 0.0
	if len(results) > 0 {
		topScore = results[0].Relevance
	}
	slog.Debug("retrieval search",
		"candidates", len(candidates),
		"returned", len(results),
		"top_score", topScore)
	return results, nil
}

// FormatContext renders results into the retrieved-context block injected
// as a system message. Output is limited to roughly maxTokens; the first
// result that would overflow is included once with its text cut to the
// remaining space and marked with an ellipsis, and everything after it is
// dropped.
func FormatContext(results []Result, maxTokens int) string {
	if len(results) == 0 {
		return ""
	}

	maxChars := maxTokens * 4
	var parts []string
	totalChars := 0

	for _, res := range results {
		label := "Past Conversation"
		if res.Source == "persona" {
			label = "Character Detail"
		}

		formatted := fmt.Sprintf("%s (relevance: %.2f):\n%s\n", label, res.Relevance, res.Text)
		if totalChars+len(formatted) > maxChars {
			// The overflowing block is included once, cut to the remaining
			// space and marked, never silently dropped.
			remaining := maxChars - totalChars - 50
			if remaining < 0 {
				remaining = 0
			}
			truncated := res.Text
			if len(truncated) > remaining {
				// Back the cut up to a rune boundary so a multi-byte
				// character is never split.
				for remaining > 0 && !utf8.RuneStart(truncated[remaining]) {
					remaining--
				}
				truncated = truncated[:remaining]
			}
			parts = append(parts, fmt.Sprintf("%s:\n%s...\n", label, truncated))
			break
		}

		parts = append(parts, formatted)
		totalChars += len(formatted)
	}

	if len(parts) == 0 {
		return ""
	}
	header := "## Retrieved Context\nThe following information is relevant to the current conversation:\n\n"
	return header + strings.Join(parts, "\n")
}

// ChunkText splits text into overlapping chunks for embedding, preferring
// sentence boundaries in the second half of each chunk.
func ChunkText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		} else {
			for _, punct := range []string{". ", "! ", "? ", "\n\n"} {
				if pos := strings.LastIndex(text[start:end], punct); pos >= 0 && start+pos > start+chunkSize/2 {
					end = start + pos + len(punct)
					break
				}
			}
		}

		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
