// Package engine orchestrates the memory subsystem: it prepares the
// context payload for each turn and records completed turns back into
// durable and working memory.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/emotion"
	"github.com/bdobrica/kioku/internal/kioku/persona"
	"github.com/bdobrica/kioku/internal/kioku/provider"
	"github.com/bdobrica/kioku/internal/kioku/retrieval"
	"github.com/bdobrica/kioku/internal/kioku/store"
	"github.com/bdobrica/kioku/internal/kioku/summary"
	"github.com/bdobrica/kioku/internal/kioku/tokens"
)

const (
	personaChunkSize    = 200
	personaChunkOverlap = 50
	// assistantImportance weights assistant replies for retrieval; replies
	// restate user content, so they rank below emotional user turns.
	assistantImportance = 0.5
)

// TurnContext is everything PrepareTurn assembles for one completion call.
type TurnContext struct {
	// TraceID correlates the prepare/record pair of a turn in logs.
	TraceID string
	// Messages is the payload to send to the completion provider.
	Messages []provider.Message
	// Report breaks down where the payload's tokens went.
	Report tokens.Report
	// Budget is the per-bucket allocation used for this turn; Response is
	// the reply bound to pass to the completion call.
	Budget tokens.Budget
	// Affect is the detected emotional state of the user message.
	Affect emotion.AffectState
	// Retrieved lists the memories injected into the payload.
	Retrieved []retrieval.Result
	// UserEmbedding is the query vector, reused by RecordTurn so the user
	// message is not embedded twice. Nil when embedding failed.
	UserEmbedding []float32
}

// Engine ties the stores, retriever, summarizer and assembler together.
type Engine struct {
	registry   *store.Registry
	cache      *WorkingMemory
	embedder   retrieval.Embedder
	retriever  *retrieval.Retriever
	summarizer *summary.Summarizer
	counter    *tokens.Counter
	allocator  tokens.Allocator

	keepRecent       int
	maxContextTokens int

	wg sync.WaitGroup
}

// New assembles an Engine from its parts.
func New(cfg *config.Config, registry *store.Registry, embedder retrieval.Embedder, completions provider.CompletionProvider) *Engine {
	return &Engine{
		registry:   registry,
		cache:      NewWorkingMemory(cfg.WorkingMemorySize),
		embedder:   embedder,
		retriever:  retrieval.NewRetriever(cfg.Retrieval.TopK, cfg.Retrieval.MaxCandidates),
		summarizer: summary.New(completions, cfg.SummarizeThreshold),
		counter:    tokens.NewCounter(nil),
		allocator: tokens.Allocator{
			SystemPercent:    cfg.Budget.SystemPercent,
			RetrievalPercent: cfg.Budget.RetrievalPercent,
			HistoryPercent:   cfg.Budget.HistoryPercent,
			ResponsePercent:  cfg.Budget.ResponsePercent,
		},
		keepRecent:       cfg.KeepRecent,
		maxContextTokens: cfg.MaxContextTokens,
	}
}

// PrepareTurn scores the user message, retrieves relevant memories, and
// assembles the budgeted payload for the completion call. Embedding
// failures degrade to recency-only memory rather than failing the turn.
func (e *Engine) PrepareTurn(ctx context.Context, sessionID, userMessage string) (*TurnContext, error) {
	traceID := uuid.NewString()
	log := slog.With("session_id", sessionID, "trace_id", traceID)

	affect := emotion.Score(userMessage)

	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	personaText, err := sess.Persona()
	if err != nil && !errors.Is(err, store.ErrNoPersona) {
		return nil, err
	}

	budget := e.allocator.Allocate(e.maxContextTokens)

	// Cut the persona to the system bucket before appending guidance, so a
	// long persona cannot push the guidance off the truncated tail.
	personaCut := false
	if guide := emotion.GuidancePrompt(affect); guide != "" {
		room := budget.System - e.counter.Count(guide) - 1
		if room < 0 {
			room = 0
		}
		if personaText != "" && e.counter.Count(personaText) > room {
			personaText = e.counter.TruncateToLimit(personaText, room, true)
			personaCut = true
		}
		personaText += guide
	}

	// Embedding is best-effort: a flaky endpoint must not block the turn.
	queryVec, err := e.embedder.Embed(ctx, userMessage)
	if err != nil {
		log.Warn("query embedding failed, degrading to recency-only memory", "error", err)
		queryVec = nil
	}

	var retrieved []retrieval.Result
	retrievedContext := ""
	if queryVec != nil {
		retrieved, err = e.retriever.Search(ctx, sess, queryVec, affect.Label)
		if err != nil {
			return nil, err
		}
		retrievedContext = retrieval.FormatContext(retrieved, budget.Retrieval)
	}

	history := e.recentHistory(sessionID, sess, log)
	fitted, truncated := e.counter.FitHistory(history, budget.History, e.keepRecent)

	payload, report := e.counter.Assemble(personaText, retrievedContext, fitted, truncated, userMessage, budget)
	if personaCut {
		report.SystemTruncated = true
	}

	log.Info("prepared turn context",
		"emotion", affect.Label,
		"importance", affect.Importance,
		"retrieved", len(retrieved),
		"history", len(fitted),
		"total_tokens", report.TotalTokens)

	return &TurnContext{
		TraceID:       traceID,
		Messages:      payload,
		Report:        report,
		Budget:        budget,
		Affect:        affect,
		Retrieved:     retrieved,
		UserEmbedding: queryVec,
	}, nil
}

// recentHistory reads the working-memory window, falling back to (and
// warming the cache from) the durable store when the window cannot satisfy
// the request on its own.
func (e *Engine) recentHistory(sessionID string, sess *store.Session, log *slog.Logger) []provider.Message {
	window, ok := e.cache.Recent(sessionID, e.cache.cap)
	if ok {
		return window
	}

	stored, err := sess.ReadRecent(e.cache.cap)
	if err != nil {
		log.Warn("history read-through failed", "error", err)
		return window
	}

	var history []provider.Message
	for _, m := range stored {
		if m.Role == "system" {
			continue // persona chunks are not conversation turns
		}
		history = append(history, provider.Message{Role: m.Role, Content: m.Content})
	}
	if len(history) < len(window) {
		// The store trailed the cache (e.g. a write raced the read); the
		// cache window is the fresher view.
		return window
	}
	e.cache.Replace(sessionID, history)
	return history
}

// RecordTurn persists a completed exchange: the user message with its
// affect and embedding, then the assistant reply. When the unsummarized
// backlog crosses the threshold, condensation runs in the background.
func (e *Engine) RecordTurn(ctx context.Context, sessionID string, turn *TurnContext, userMessage, assistantReply string) error {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	log := slog.With("session_id", sessionID, "trace_id", turn.TraceID)

	userVec := turn.UserEmbedding
	if userVec == nil {
		if userVec, err = e.embedder.Embed(ctx, userMessage); err != nil {
			log.Warn("user message embedding failed, storing without vector", "error", err)
			userVec = nil
		}
	}

	if _, err := sess.Append(store.Message{
		Role:              "user",
		Content:           userMessage,
		Emotion:           turn.Affect.Label,
		EmotionConfidence: turn.Affect.Confidence,
		Importance:        turn.Affect.Importance,
		Embedding:         userVec,
	}); err != nil {
		return fmt.Errorf("engine: record user message: %w", err)
	}

	replyVec, err := e.embedder.Embed(ctx, assistantReply)
	if err != nil {
		log.Warn("assistant reply embedding failed, storing without vector", "error", err)
		replyVec = nil
	}
	if _, err := sess.Append(store.Message{
		Role:       "assistant",
		Content:    assistantReply,
		Importance: assistantImportance,
		Embedding:  replyVec,
	}); err != nil {
		return fmt.Errorf("engine: record assistant reply: %w", err)
	}

	e.cache.Push(sessionID, provider.Message{Role: "user", Content: userMessage})
	e.cache.Push(sessionID, provider.Message{Role: "assistant", Content: assistantReply})

	due, err := e.summarizer.ShouldSummarize(sess)
	if err != nil {
		log.Warn("summarization check failed", "error", err)
		return nil
	}
	if due {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.summarizer.Summarize(context.Background(), sess); err != nil {
				log.Error("background summarization failed", "error", err)
			}
		}()
	}
	return nil
}

// Summarize runs a condensation pass for the session when the unsummarized
// backlog has crossed the threshold; otherwise it is a no-op. Used by the
// maintenance sweep.
func (e *Engine) Summarize(ctx context.Context, sessionID string) error {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}
	due, err := e.summarizer.ShouldSummarize(sess)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	_, err = e.summarizer.Summarize(ctx, sess)
	return err
}

// SetPersona stores the persona text and indexes it for retrieval: the
// text is split into overlapping chunks, each embedded and stored as a
// system-role message at maximum importance so character details surface
// in semantic search.
func (e *Engine) SetPersona(ctx context.Context, sessionID, text string) error {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return err
	}

	// One batch covers the persona text itself plus its retrieval chunks;
	// the first vector belongs to the persona record.
	chunks := retrieval.ChunkText(text, personaChunkSize, personaChunkOverlap)
	vecs, err := e.embedder.EmbedBatch(ctx, append([]string{text}, chunks...))
	if err != nil {
		slog.Warn("persona embedding failed, persona stored without index",
			"session_id", sessionID, "error", err)
		return sess.SetPersona(text, nil)
	}

	if err := sess.SetPersona(text, vecs[0]); err != nil {
		return err
	}
	for i, chunk := range chunks {
		if vecs[i+1] == nil {
			continue
		}
		if _, err := sess.Append(store.Message{
			Role:       "system",
			Content:    chunk,
			Importance: 1.0,
			Embedding:  vecs[i+1],
		}); err != nil {
			return fmt.Errorf("engine: index persona chunk: %w", err)
		}
	}
	slog.Info("persona set", "session_id", sessionID, "chunks", len(chunks))
	return nil
}

// SetPersonaCard validates a character-card JSON document and installs its
// rendered text as the session persona.
func (e *Engine) SetPersonaCard(ctx context.Context, sessionID string, raw []byte) error {
	card, err := persona.ParseCard(raw)
	if err != nil {
		return err
	}
	return e.SetPersona(ctx, sessionID, card.Text())
}

// CloseSession drops the session's working memory and closes its store
// handle. Durable state stays on disk.
func (e *Engine) CloseSession(sessionID string) error {
	e.cache.DropSession(sessionID)
	return e.registry.CloseSession(sessionID)
}

// Close waits for in-flight background summarizations and closes all
// session handles.
func (e *Engine) Close() error {
	e.wg.Wait()
	return e.registry.CloseAll()
}
