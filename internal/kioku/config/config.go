// Package config holds the kioku service configuration: a typed struct
// loaded from an optional YAML file with KIOKU_* environment overrides,
// validated after load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the memory engine.
type Config struct {
	// DataDir is the directory holding the per-session SQLite files.
	DataDir string `yaml:"dataDir"`

	// WorkingMemorySize is the per-session working-memory cap (entries).
	WorkingMemorySize int `yaml:"workingMemorySize"`

	// SummarizeThreshold is the number of unsummarized messages that
	// triggers a condensation pass.
	SummarizeThreshold int `yaml:"summarizeThreshold"`

	// KeepRecent is the minimum number of recent history messages the
	// assembler tries to keep before counting tokens.
	KeepRecent int `yaml:"keepRecent"`

	// MaxContextTokens is the total token ceiling for an assembled payload.
	MaxContextTokens int `yaml:"maxContextTokens"`

	Budget      BudgetConfig      `yaml:"budget"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Provider    ProviderConfig    `yaml:"provider"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// BudgetConfig splits the context token ceiling across the four payload
// buckets. The percentages must sum to exactly 100.
type BudgetConfig struct {
	SystemPercent    int `yaml:"systemPercent"`
	RetrievalPercent int `yaml:"retrievalPercent"`
	HistoryPercent   int `yaml:"historyPercent"`
	ResponsePercent  int `yaml:"responsePercent"`
}

// RetrievalConfig bounds the similarity search.
type RetrievalConfig struct {
	// TopK is the number of retrieved blocks injected per turn.
	TopK int `yaml:"topK"`
	// MaxCandidates caps the importance-ranked candidate pool scored
	// per search.
	MaxCandidates int `yaml:"maxCandidates"`
}

// ProviderConfig configures the OpenAI-compatible completion endpoint.
type ProviderConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxConcurrentCalls sizes the shared outbound-call permit pool.
	MaxConcurrentCalls int `yaml:"maxConcurrentCalls"`
}

// EmbeddingConfig configures the embedding endpoint. Empty BaseURL and
// APIKey fall back to the provider's.
type EmbeddingConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// MaintenanceConfig controls the background scheduler.
type MaintenanceConfig struct {
	// SweepEvery is the cron cadence for the summarization sweep,
	// e.g. "@every 5m".
	SweepEvery string `yaml:"sweepEvery"`
	// IdleTTL is how long a session handle may sit unused before the
	// scheduler closes it. Handles reopen lazily on next access.
	IdleTTL time.Duration `yaml:"idleTTL"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		DataDir:            "./data/sessions",
		WorkingMemorySize:  20,
		SummarizeThreshold: 20,
		KeepRecent:         10,
		MaxContextTokens:   8192,
		Budget: BudgetConfig{
			SystemPercent:    20,
			RetrievalPercent: 25,
			HistoryPercent:   35,
			ResponsePercent:  20,
		},
		Retrieval: RetrievalConfig{
			TopK:          3,
			MaxCandidates: 50,
		},
		Provider: ProviderConfig{
			BaseURL:            "https://api.openai.com/v1",
			Model:              "gpt-4o-mini",
			Timeout:            30 * time.Second,
			MaxConcurrentCalls: 5,
		},
		Embedding: EmbeddingConfig{
			Model:   "text-embedding-3-small",
			Timeout: 30 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			SweepEvery: "@every 5m",
			IdleTTL:    30 * time.Minute,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and KIOKU_*
// environment overrides, then validates it. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overwrites fields from KIOKU_* environment variables.
func (c *Config) applyEnv() {
	setString(&c.DataDir, "KIOKU_DATA_DIR")
	setInt(&c.WorkingMemorySize, "KIOKU_WORKING_MEMORY_SIZE")
	setInt(&c.SummarizeThreshold, "KIOKU_SUMMARIZE_THRESHOLD")
	setInt(&c.MaxContextTokens, "KIOKU_MAX_CONTEXT_TOKENS")

	setString(&c.Provider.BaseURL, "KIOKU_PROVIDER_BASE_URL")
	setString(&c.Provider.APIKey, "KIOKU_PROVIDER_API_KEY")
	setString(&c.Provider.Model, "KIOKU_PROVIDER_MODEL")
	setInt(&c.Provider.MaxConcurrentCalls, "KIOKU_PROVIDER_MAX_CONCURRENT")

	setString(&c.Embedding.BaseURL, "KIOKU_EMBEDDING_BASE_URL")
	setString(&c.Embedding.APIKey, "KIOKU_EMBEDDING_API_KEY")
	setString(&c.Embedding.Model, "KIOKU_EMBEDDING_MODEL")
}

// Validate checks the configuration for structural correctness.
// It returns the first validation error encountered.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}
	if c.WorkingMemorySize <= 0 {
		return fmt.Errorf("config: workingMemorySize must be positive, got %d", c.WorkingMemorySize)
	}
	if c.SummarizeThreshold <= 0 {
		return fmt.Errorf("config: summarizeThreshold must be positive, got %d", c.SummarizeThreshold)
	}
	if c.KeepRecent <= 0 {
		return fmt.Errorf("config: keepRecent must be positive, got %d", c.KeepRecent)
	}
	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("config: maxContextTokens must be positive, got %d", c.MaxContextTokens)
	}

	b := c.Budget
	for _, p := range []struct {
		name  string
		value int
	}{
		{"systemPercent", b.SystemPercent},
		{"retrievalPercent", b.RetrievalPercent},
		{"historyPercent", b.HistoryPercent},
		{"responsePercent", b.ResponsePercent},
	} {
		if p.value <= 0 {
			return fmt.Errorf("config: budget.%s must be positive, got %d", p.name, p.value)
		}
	}
	if sum := b.SystemPercent + b.RetrievalPercent + b.HistoryPercent + b.ResponsePercent; sum != 100 {
		return fmt.Errorf("config: budget percentages must sum to 100, got %d", sum)
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("config: retrieval.topK must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.MaxCandidates <= 0 {
		return fmt.Errorf("config: retrieval.maxCandidates must be positive, got %d", c.Retrieval.MaxCandidates)
	}
	if c.Provider.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("config: provider.maxConcurrentCalls must be positive, got %d", c.Provider.MaxConcurrentCalls)
	}
	if strings.TrimSpace(c.Maintenance.SweepEvery) == "" {
		return fmt.Errorf("config: maintenance.sweepEvery must not be empty")
	}

	return nil
}

// EmbeddingBaseURL resolves the embedding endpoint, falling back to the
// provider's.
func (c *Config) EmbeddingBaseURL() string {
	if c.Embedding.BaseURL != "" {
		return c.Embedding.BaseURL
	}
	return c.Provider.BaseURL
}

// EmbeddingAPIKey resolves the embedding credential, falling back to the
// provider's.
func (c *Config) EmbeddingAPIKey() string {
	if c.Embedding.APIKey != "" {
		return c.Embedding.APIKey
	}
	return c.Provider.APIKey
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
