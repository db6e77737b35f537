package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/provider"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// fakeEmbedder returns a constant vector, or errors when failing is set.
type fakeEmbedder struct {
	failing bool
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("embedding endpoint down")
	}
	return []float32{1, 0.5}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failing {
		return nil, errors.New("embedding endpoint down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0.5}
	}
	return out, nil
}

// fakeCompletions answers every Complete with a fixed reply.
type fakeCompletions struct {
	reply string
	calls int
}

func (f *fakeCompletions) Complete(ctx context.Context, req provider.Request) (*provider.Completion, error) {
	f.calls++
	return &provider.Completion{Content: f.reply, FinishReason: "stop"}, nil
}
func (f *fakeCompletions) CompleteStream(ctx context.Context, req provider.Request) (<-chan provider.StreamChunk, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeCompletions) CheckConnection(ctx context.Context) error { return nil }
func (f *fakeCompletions) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *store.Registry, *fakeEmbedder, *fakeCompletions) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	registry, err := store.NewRegistry(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	emb := &fakeEmbedder{}
	comp := &fakeCompletions{reply: "condensed"}
	e := New(cfg, registry, emb, comp)
	t.Cleanup(func() { e.Close() })
	return e, registry, emb, comp
}

func TestPrepareTurnAssemblesPayload(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.SetPersona(ctx, "sess", "You are a terse assistant."); err != nil {
		t.Fatal(err)
	}

	// Seed one prior exchange.
	turn, err := e.PrepareTurn(ctx, "sess", "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RecordTurn(ctx, "sess", turn, "hello there", "hi"); err != nil {
		t.Fatal(err)
	}

	turn, err = e.PrepareTurn(ctx, "sess", "I'm so happy about my garden!")
	if err != nil {
		t.Fatal(err)
	}

	if turn.TraceID == "" {
		t.Error("missing trace id")
	}
	if turn.Affect.Label != "joy" {
		t.Errorf("affect = %q", turn.Affect.Label)
	}

	msgs := turn.Messages
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "terse assistant") {
		t.Errorf("payload head = %+v", msgs[0])
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "I'm so happy about my garden!" {
		t.Errorf("payload tail = %+v", last)
	}

	// Prior exchange appears as history right before the current message.
	var sawHistory bool
	for _, m := range msgs[:len(msgs)-1] {
		if m.Role == "assistant" && m.Content == "hi" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("history missing from payload")
	}

	if turn.Report.TotalTokens <= 0 {
		t.Errorf("report = %+v", turn.Report)
	}
}

func TestPrepareTurnAppendsAffectGuidance(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	if err := e.SetPersona(ctx, "sess", "Persona."); err != nil {
		t.Fatal(err)
	}

	turn, err := e.PrepareTurn(ctx, "sess", "I'm heartbroken and devastated, everything hurts")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(turn.Messages[0].Content, "Emotional Context") {
		t.Errorf("guidance missing from system prompt:\n%s", turn.Messages[0].Content)
	}
}

func TestPrepareTurnKeepsGuidanceWhenPersonaOverflows(t *testing.T) {
	e, _, _, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.MaxContextTokens = 1000
	})
	ctx := context.Background()

	longPersona := strings.Repeat("You are a detailed character. ", 200)
	if err := e.SetPersona(ctx, "sess", longPersona); err != nil {
		t.Fatal(err)
	}

	turn, err := e.PrepareTurn(ctx, "sess", "I'm heartbroken and devastated, everything hurts")
	if err != nil {
		t.Fatal(err)
	}
	if turn.Affect.Label != "sadness" {
		t.Fatalf("affect = %q", turn.Affect.Label)
	}

	system := turn.Messages[0]
	if system.Role != "system" {
		t.Fatalf("payload head role = %q", system.Role)
	}
	if !strings.Contains(system.Content, "## Emotional Context") {
		t.Error("guidance lost to persona truncation")
	}
	if !strings.HasPrefix(system.Content, "You are a detailed character.") {
		t.Errorf("persona head not preserved:\n%.80s", system.Content)
	}
	if !turn.Report.SystemTruncated {
		t.Error("truncation not reported")
	}
	if got := turn.Report.SystemTokens; got > turn.Budget.System {
		t.Errorf("system block = %d tokens, budget %d", got, turn.Budget.System)
	}
}

func TestPrepareTurnRetrievesPersonaChunks(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := e.SetPersona(ctx, "sess", "Grew up in a fishing village. Collects vintage radios."); err != nil {
		t.Fatal(err)
	}

	turn, err := e.PrepareTurn(ctx, "sess", "tell me about your hobbies")
	if err != nil {
		t.Fatal(err)
	}
	if len(turn.Retrieved) == 0 {
		t.Fatal("no memories retrieved")
	}
	if turn.Retrieved[0].Source != "persona" {
		t.Errorf("source = %q", turn.Retrieved[0].Source)
	}

	var foundBlock bool
	for _, m := range turn.Messages {
		if strings.Contains(m.Content, "## Retrieved Context") &&
			strings.Contains(m.Content, "Character Detail") {
			foundBlock = true
		}
	}
	if !foundBlock {
		t.Error("retrieved-context block missing from payload")
	}
}

func TestPrepareTurnDegradesWhenEmbeddingFails(t *testing.T) {
	e, _, emb, _ := newTestEngine(t, nil)
	ctx := context.Background()

	turn, err := e.PrepareTurn(ctx, "sess", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RecordTurn(ctx, "sess", turn, "hello", "hi"); err != nil {
		t.Fatal(err)
	}

	emb.failing = true
	turn, err = e.PrepareTurn(ctx, "sess", "what did I say before?")
	if err != nil {
		t.Fatalf("turn must survive embedding failure: %v", err)
	}
	if len(turn.Retrieved) != 0 {
		t.Errorf("retrieved = %v without a query vector", turn.Retrieved)
	}
	// History still flows from working memory.
	var sawHistory bool
	for _, m := range turn.Messages {
		if m.Content == "hello" && m.Role == "user" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("recency memory lost during degradation")
	}
}

func TestRecordTurnPersistsWithoutEmbeddings(t *testing.T) {
	e, registry, emb, _ := newTestEngine(t, nil)
	ctx := context.Background()
	emb.failing = true

	turn, err := e.PrepareTurn(ctx, "sess", "I lost my keys again")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RecordTurn(ctx, "sess", turn, "I lost my keys again", "check the coat pocket"); err != nil {
		t.Fatalf("RecordTurn must succeed without embeddings: %v", err)
	}

	sess, err := registry.Get("sess")
	if err != nil {
		t.Fatal(err)
	}
	stored, err := sess.ReadRecent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored = %d messages, want 2", len(stored))
	}
	for _, m := range stored {
		if m.Embedding != nil {
			t.Errorf("message %d carries a vector despite embedder failure", m.ID)
		}
	}
	if stored[0].Role != "user" || stored[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", stored[0].Role, stored[1].Role)
	}
}

func TestRecordTurnPersistsAndWarmStoreSurvivesRestart(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	registry, err := store.NewRegistry(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	e := New(cfg, registry, &fakeEmbedder{}, &fakeCompletions{reply: "x"})
	turn, err := e.PrepareTurn(ctx, "sess", "remember the blue door")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RecordTurn(ctx, "sess", turn, "remember the blue door", "noted"); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh engine over the same data dir has a cold cache; history must
	// read through from the durable store.
	registry2, err := store.NewRegistry(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	e2 := New(cfg, registry2, &fakeEmbedder{}, &fakeCompletions{reply: "x"})
	defer e2.Close()

	turn2, err := e2.PrepareTurn(ctx, "sess", "what door was it?")
	if err != nil {
		t.Fatal(err)
	}
	var sawHistory bool
	for _, m := range turn2.Messages {
		if m.Content == "remember the blue door" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("durable history did not survive the restart")
	}
}

func TestRecordTurnTriggersBackgroundSummarization(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SummarizeThreshold = 4
	registry, err := store.NewRegistry(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	comp := &fakeCompletions{reply: "condensed"}
	e := New(cfg, registry, &fakeEmbedder{}, comp)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		turn, err := e.PrepareTurn(ctx, "sess", "another message about the trip")
		if err != nil {
			t.Fatal(err)
		}
		if err := e.RecordTurn(ctx, "sess", turn, "another message about the trip", "reply"); err != nil {
			t.Fatal(err)
		}
	}

	// Close waits for the background pass to land.
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	registry2, err := store.NewRegistry(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer registry2.CloseAll()
	sess, err := registry2.Get("sess")
	if err != nil {
		t.Fatal(err)
	}
	sums, err := sess.Summaries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) == 0 {
		t.Fatal("no summary recorded")
	}
	if comp.calls == 0 {
		t.Error("provider never called for condensation")
	}
	if sums[len(sums)-1].RangeStart != 1 {
		t.Errorf("first summary starts at %d", sums[len(sums)-1].RangeStart)
	}
}

func TestSetPersonaCard(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	raw := []byte(`{"name": "Motoko", "description": "A pragmatic security consultant."}`)
	if err := e.SetPersonaCard(ctx, "sess", raw); err != nil {
		t.Fatal(err)
	}

	turn, err := e.PrepareTurn(ctx, "sess", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(turn.Messages[0].Content, "You are Motoko.") {
		t.Errorf("persona not installed:\n%s", turn.Messages[0].Content)
	}

	if err := e.SetPersonaCard(ctx, "sess", []byte(`{"description": "no name"}`)); err == nil {
		t.Error("invalid card must be rejected")
	}
}

func TestCloseSessionDropsCache(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	turn, err := e.PrepareTurn(ctx, "sess", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RecordTurn(ctx, "sess", turn, "hi", "hello"); err != nil {
		t.Fatal(err)
	}
	if e.cache.Len("sess") == 0 {
		t.Fatal("cache not populated")
	}

	if err := e.CloseSession("sess"); err != nil {
		t.Fatal(err)
	}
	if e.cache.Len("sess") != 0 {
		t.Error("cache survived CloseSession")
	}
}
