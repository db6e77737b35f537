// Package summary condenses old conversation spans into short summaries.
//
// Summarization is threshold-triggered: once enough messages accumulate
// past the last summarized sequence id, the oldest unsummarized span is
// condensed by the completion provider and recorded with its inclusive
// [start, end] range. Ranges never shrink, so repeated runs are idempotent
// until new messages arrive.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/kioku/internal/kioku/provider"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// DefaultThreshold is the unsummarized-message count that triggers a pass.
const DefaultThreshold = 20

// sessionStore is the slice of session operations the summarizer needs.
type sessionStore interface {
	Count() (int64, error)
	LastSummarizedID() (int64, error)
	ReadAfter(afterID int64, limit int) ([]store.Message, error)
	ReadRange(start, end int64) ([]store.Message, error)
	AppendSummary(content string, rangeStart, rangeEnd int64) (store.Summary, error)
}

// Summarizer condenses conversation spans via the completion provider.
type Summarizer struct {
	Provider  provider.CompletionProvider
	Threshold int
}

// New returns a Summarizer; non-positive threshold falls back to the
// default.
func New(p provider.CompletionProvider, threshold int) *Summarizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Summarizer{Provider: p, Threshold: threshold}
}

// ShouldSummarize reports whether enough unsummarized messages have
// accumulated to warrant a condensation pass.
func (s *Summarizer) ShouldSummarize(sess sessionStore) (bool, error) {
	count, err := sess.Count()
	if err != nil {
		return false, err
	}
	last, err := sess.LastSummarizedID()
	if err != nil {
		return false, err
	}

	pending := count - last
	due := pending >= int64(s.Threshold)
	slog.Debug("summarization check",
		"pending", pending,
		"threshold", s.Threshold,
		"due", due)
	return due, nil
}

const promptTemplate = `Summarize the following conversation, preserving:
1. Key emotional moments and their context
2. Important facts, decisions, and revelations
3. Character development and relationship dynamics
4. Unresolved topics or ongoing threads

Keep the summary under 200 words and maintain narrative flow.

CONVERSATION:
%s

SUMMARY:`

// Summarize condenses the oldest unsummarized span (up to Threshold
// messages) and records the result. The range is persisted only after the
// provider call succeeds, so a failed pass leaves the session untouched
// and retryable. It returns the stored record, or nil when there was
// nothing to summarize.
func (s *Summarizer) Summarize(ctx context.Context, sess sessionStore) (*store.Summary, error) {
	last, err := sess.LastSummarizedID()
	if err != nil {
		return nil, err
	}
	msgs, err := sess.ReadAfter(last, s.Threshold)
	if err != nil {
		return nil, err
	}
	return s.condense(ctx, sess, msgs)
}

// SummarizeRange condenses an explicit inclusive message range.
func (s *Summarizer) SummarizeRange(ctx context.Context, sess sessionStore, start, end int64) (*store.Summary, error) {
	msgs, err := sess.ReadRange(start, end)
	if err != nil {
		return nil, err
	}
	return s.condense(ctx, sess, msgs)
}

func (s *Summarizer) condense(ctx context.Context, sess sessionStore, msgs []store.Message) (*store.Summary, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(promptTemplate, Transcript(msgs))
	completion, err := s.Provider.Complete(ctx, provider.Request{
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, fmt.Errorf("summary: condense: %w", err)
	}

	text := strings.TrimSpace(completion.Content)
	if text == "" {
		return nil, fmt.Errorf("summary: %w: empty summary text", provider.ErrMalformedOutput)
	}

	rec, err := sess.AppendSummary(text, msgs[0].ID, msgs[len(msgs)-1].ID)
	if err != nil {
		return nil, err
	}

	slog.Info("created summary",
		"range_start", rec.RangeStart,
		"range_end", rec.RangeEnd,
		"summary_length", len(text))
	return &rec, nil
}

// Transcript renders messages into the plain-text form fed to the
// condensation prompt: one "ROLE [affect]: content" line per message, with
// the affect tag omitted for neutral entries.
func Transcript(msgs []store.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		affect := ""
		if m.Emotion != "" && m.Emotion != "neutral" {
			affect = fmt.Sprintf(" [%s]", m.Emotion)
		}
		lines = append(lines, fmt.Sprintf("%s%s: %s", strings.ToUpper(m.Role), affect, m.Content))
	}
	return strings.Join(lines, "\n")
}
