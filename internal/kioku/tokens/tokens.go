// Package tokens implements token counting, budget allocation, and payload
// assembly within a fixed context window.
//
// Counting uses a pluggable CountFunc so a real tokenizer can be swapped in;
// the default is the usual ~4 characters per token approximation, which is
// close enough for budget enforcement against cl100k-family models.
package tokens

import (
	"log/slog"

	"github.com/bdobrica/kioku/internal/kioku/provider"
)

// CountFunc maps text to a token count.
type CountFunc func(text string) int

// ApproxCount is the default counter: max(1, len/4).
func ApproxCount(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Counter counts tokens for texts and message lists.
type Counter struct {
	count CountFunc
}

// NewCounter returns a Counter using fn, or ApproxCount when fn is nil.
func NewCounter(fn CountFunc) *Counter {
	if fn == nil {
		fn = ApproxCount
	}
	return &Counter{count: fn}
}

// Count returns the token count of a single text.
func (c *Counter) Count(text string) int {
	return c.count(text)
}

// CountMessages returns the token count of a chat payload, including the
// per-message wrapping overhead and the reply priming tokens.
func (c *Counter) CountMessages(msgs []provider.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 // per-message overhead
		total += c.count(m.Role)
		total += c.count(m.Content)
	}
	total += 3 // reply priming
	return total
}

// Budget is the per-bucket token allocation for one turn.
type Budget struct {
	// System covers persona text and affect guidance.
	System int
	// Retrieval covers the injected retrieved-context block.
	Retrieval int
	// History covers recent conversation messages.
	History int
	// Response is reserved for the model's reply.
	Response int
}

// Total returns the sum of all buckets.
func (b Budget) Total() int {
	return b.System + b.Retrieval + b.History + b.Response
}

// Allocator splits a context window across payload buckets by fixed
// percentages. Percentages are validated at configuration load; the
// allocator trusts them.
type Allocator struct {
	SystemPercent    int
	RetrievalPercent int
	HistoryPercent   int
	ResponsePercent  int
}

// Allocate splits totalTokens into a Budget. Each bucket floors, so the
// budget total never exceeds totalTokens.
func (a Allocator) Allocate(totalTokens int) Budget {
	return Budget{
		System:    totalTokens * a.SystemPercent / 100,
		Retrieval: totalTokens * a.RetrievalPercent / 100,
		History:   totalTokens * a.HistoryPercent / 100,
		Response:  totalTokens * a.ResponsePercent / 100,
	}
}

// TruncateToLimit cuts text so it fits within maxTokens, marking the cut
// with an ellipsis. preserveStart keeps the beginning of the text;
// otherwise the end is kept. Text already within the limit is returned
// unchanged.
func (c *Counter) TruncateToLimit(text string, maxTokens int, preserveStart bool) string {
	current := c.count(text)
	if current <= maxTokens {
		return text
	}

	ratio := float64(maxTokens) / float64(current)
	estimated := int(float64(len(text)) * ratio * 0.95)
	if estimated < 0 {
		estimated = 0
	}

	if preserveStart {
		truncated := text[:estimated]
		for c.count(truncated) > maxTokens && len(truncated) > 0 {
			truncated = truncated[:len(truncated)*9/10]
		}
		return truncated + "..."
	}

	truncated := text[len(text)-estimated:]
	for c.count(truncated) > maxTokens && len(truncated) > 0 {
		truncated = truncated[len(truncated)-len(truncated)*9/10:]
	}
	return "..." + truncated
}

// FitHistory trims a history window to the token budget, keeping the most
// recent messages. The window first narrows to the last keepRecent
// messages; if those still exceed the budget, messages are dropped oldest
// first until the remainder fits. It returns the fitted slice in original
// order and whether anything was dropped.
func (c *Counter) FitHistory(msgs []provider.Message, budget, keepRecent int) ([]provider.Message, bool) {
	if len(msgs) == 0 {
		return nil, false
	}

	recent := msgs
	if len(msgs) > keepRecent {
		recent = msgs[len(msgs)-keepRecent:]
	}
	if c.CountMessages(recent) <= budget {
		return recent, len(msgs) > len(recent)
	}

	var fitted []provider.Message
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		msgTokens := c.CountMessages(msgs[i : i+1])
		if used+msgTokens > budget {
			break
		}
		fitted = append([]provider.Message{msgs[i]}, fitted...)
		used += msgTokens
	}

	truncated := len(fitted) < len(msgs)
	slog.Debug("fitted history to budget",
		"budget", budget,
		"fitted", len(fitted),
		"total", len(msgs),
		"truncated", truncated)
	return fitted, truncated
}

// Report tracks where the tokens of an assembled payload went.
type Report struct {
	SystemTokens     int
	RetrievalTokens  int
	HistoryTokens    int
	CurrentTokens    int
	TotalTokens      int
	SystemTruncated  bool
	HistoryTruncated bool
}

// Assemble builds the final chat payload: persona and retrieved context as
// system messages, then the fitted history, then the current user message.
// Empty sections are skipped. Persona is head-truncated to the system
// bucket; the retrieved context arrives already bounded by the retriever;
// the current user message is always included in full.
func (c *Counter) Assemble(
	personaText, retrievedContext string,
	history []provider.Message,
	historyTruncated bool,
	currentMessage string,
	budget Budget,
) ([]provider.Message, Report) {
	systemTruncated := false
	if personaText != "" && c.count(personaText) > budget.System {
		personaText = c.TruncateToLimit(personaText, budget.System, true)
		systemTruncated = true
	}

	report := Report{
		SystemTokens:     c.count(personaText),
		RetrievalTokens:  c.count(retrievedContext),
		HistoryTokens:    c.CountMessages(history),
		CurrentTokens:    c.count(currentMessage),
		SystemTruncated:  systemTruncated,
		HistoryTruncated: historyTruncated,
	}
	report.TotalTokens = report.SystemTokens + report.RetrievalTokens +
		report.HistoryTokens + report.CurrentTokens

	payload := make([]provider.Message, 0, len(history)+3)
	if personaText != "" {
		payload = append(payload, provider.Message{Role: "system", Content: personaText})
	}
	if retrievedContext != "" {
		payload = append(payload, provider.Message{Role: "system", Content: retrievedContext})
	}
	payload = append(payload, history...)
	payload = append(payload, provider.Message{Role: "user", Content: currentMessage})

	slog.Info("assembled context payload",
		"total_tokens", report.TotalTokens,
		"system_tokens", report.SystemTokens,
		"retrieval_tokens", report.RetrievalTokens,
		"history_tokens", report.HistoryTokens,
		"budget_total", budget.Total())

	return payload, report
}
