package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/engine"
	"github.com/bdobrica/kioku/internal/kioku/maintenance"
	"github.com/bdobrica/kioku/internal/kioku/provider"
	"github.com/bdobrica/kioku/internal/kioku/retrieval"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	sessionID := flag.String("session", "", "session id (random when empty)")
	personaPath := flag.String("persona", "", "path to a character card JSON file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("kioku memory engine", "version", version.Info())

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Provider.APIKey == "" {
		fmt.Fprintln(os.Stderr, "Error: KIOKU_PROVIDER_API_KEY is required")
		os.Exit(1)
	}

	if err := run(cfg, *sessionID, *personaPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, sessionID, personaPath string) error {
	registry, err := store.NewRegistry(cfg.DataDir)
	if err != nil {
		return err
	}

	pool := provider.NewPermitPool(cfg.Provider.MaxConcurrentCalls)
	completions := provider.WithPermits(provider.NewOpenAI(provider.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.Model,
		Timeout: cfg.Provider.Timeout,
	}), pool)
	embedder := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		APIKey:  cfg.EmbeddingAPIKey(),
		BaseURL: cfg.EmbeddingBaseURL(),
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	}, pool)

	eng := engine.New(cfg, registry, embedder, completions)
	defer eng.Close()

	sched := maintenance.NewScheduler(eng, registry, maintenance.Config{
		SweepEvery: cfg.Maintenance.SweepEvery,
		IdleTTL:    cfg.Maintenance.IdleTTL,
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start maintenance scheduler: %w", err)
	}
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := completions.CheckConnection(ctx); err != nil {
		return fmt.Errorf("provider connection check: %w", err)
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	slog.Info("chat session ready", "session_id", sessionID)

	if personaPath != "" {
		raw, err := os.ReadFile(personaPath)
		if err != nil {
			return fmt.Errorf("read persona card: %w", err)
		}
		if err := eng.SetPersonaCard(ctx, sessionID, raw); err != nil {
			return err
		}
	}

	return chatLoop(ctx, eng, completions, sessionID)
}

// chatLoop reads user lines from stdin and streams replies to stdout until
// EOF or interrupt.
func chatLoop(ctx context.Context, eng *engine.Engine, completions provider.CompletionProvider, sessionID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}

		turn, err := eng.PrepareTurn(ctx, sessionID, line)
		if err != nil {
			return err
		}

		reply, err := streamReply(ctx, completions, turn)
		if err != nil {
			slog.Error("completion failed", "trace_id", turn.TraceID, "error", err)
			fmt.Print("> ")
			continue
		}

		if err := eng.RecordTurn(ctx, sessionID, turn, line, reply); err != nil {
			return err
		}
		fmt.Print("> ")
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	fmt.Println()
	return nil
}

func streamReply(ctx context.Context, completions provider.CompletionProvider, turn *engine.TurnContext) (string, error) {
	ch, err := completions.CompleteStream(ctx, provider.Request{
		Messages:  turn.Messages,
		MaxTokens: turn.Budget.Response,
	})
	if err != nil {
		// Fall back to a blocking completion when streaming is unsupported.
		completion, cerr := completions.Complete(ctx, provider.Request{
			Messages:  turn.Messages,
			MaxTokens: turn.Budget.Response,
		})
		if cerr != nil {
			return "", cerr
		}
		fmt.Println(completion.Content)
		return completion.Content, nil
	}

	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", chunk.Err
		}
		if chunk.Done {
			break
		}
		fmt.Print(chunk.Delta)
		b.WriteString(chunk.Delta)
	}
	fmt.Println()
	return b.String(), nil
}
