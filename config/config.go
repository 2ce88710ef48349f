package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/nucleus"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Supported values.
var (
	ValidProviders = []string{"openai", "anthropic", "mock"}
	ValidStores    = []string{"memory", "sqlite"}
	ValidBackends  = []string{"slog", "zap"}
)

// Config is the complete agentplan configuration.
type Config struct {
	Logging    LoggingConfig            `yaml:"logging"`
	LLM        LLMConfig                `yaml:"llm"`
	Nucleus    NucleusConfig            `yaml:"nucleus"`
	Profiles   map[string]ProfileConfig `yaml:"profiles,omitempty"`
	Executor   ExecutorConfig           `yaml:"executor"`
	Checkpoint CheckpointConfig         `yaml:"checkpoint"`
	Policy     PolicyConfig             `yaml:"policy"`
	Retrieval  RetrievalConfig          `yaml:"retrieval"`
}

// LoggingConfig selects the logging backend.
type LoggingConfig struct {
	Backend   string `yaml:"backend"` // slog or zap
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text (slog only)
	AddSource bool   `yaml:"add_source"`
}

// LLMConfig configures the model every Nucleus calls.
type LLMConfig struct {
	Provider     string   `yaml:"provider"` // openai, anthropic, mock
	Model        string   `yaml:"model"`
	APIKey       string   `yaml:"api_key,omitempty"`
	Temperature  *float64 `yaml:"temperature,omitempty"`
	MaxTokens    int64    `yaml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Timeout      string   `yaml:"timeout"`
}

// NucleusConfig holds the defaults every profile starts from.
type NucleusConfig struct {
	Hooks              nucleus.Hooks `yaml:"hooks"`
	MaxQueryRounds     int           `yaml:"max_query_rounds"`
	MaxRetrievalRounds int           `yaml:"max_retrieval_rounds"`
	MaxContextTokens   int           `yaml:"max_context_tokens"`
}

// ProfileConfig is a named Nucleus profile referenced by a task's
// nucleusRef. Zero values inherit from NucleusConfig.
type ProfileConfig struct {
	Intent             string         `yaml:"intent,omitempty"`
	Model              string         `yaml:"model,omitempty"`
	Temperature        *float64       `yaml:"temperature,omitempty"`
	Hooks              *nucleus.Hooks `yaml:"hooks,omitempty"`
	MaxQueryRounds     int            `yaml:"max_query_rounds,omitempty"`
	MaxRetrievalRounds int            `yaml:"max_retrieval_rounds,omitempty"`
	MaxContextTokens   int            `yaml:"max_context_tokens,omitempty"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	MaxParallel        int    `yaml:"max_parallel"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	MaxModelCalls      int    `yaml:"max_model_calls"`
	Timeout            string `yaml:"timeout,omitempty"`
}

// CheckpointConfig selects the checkpoint store and its retention.
type CheckpointConfig struct {
	Store    string `yaml:"store"` // memory or sqlite
	Path     string `yaml:"path,omitempty"`
	KeepLast int    `yaml:"keep_last"`
	MaxAge   string `yaml:"max_age,omitempty"`
}

// PolicyConfig points at an expression rule file. Without one every
// action is allowed.
type PolicyConfig struct {
	RulesFile string `yaml:"rules_file,omitempty"`
}

// RetrievalConfig declares the knowledge sources retrieval directives may
// name.
type RetrievalConfig struct {
	Sources []SourceConfig `yaml:"sources,omitempty"`
}

// SourceConfig is a memory namespace exposed as a retrieval tool. A
// directive "<name>: <query>" searches it.
type SourceConfig struct {
	Name         string     `yaml:"name"`
	ArtifactType string     `yaml:"artifact_type,omitempty"`
	Limit        int        `yaml:"limit,omitempty"`
	AutoPromote  bool       `yaml:"auto_promote"`
	MaxArtifacts int        `yaml:"max_artifacts,omitempty"`
	Documents    []Document `yaml:"documents,omitempty"`
}

// Document seeds a retrieval source.
type Document struct {
	Content  string         `yaml:"content"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Backend: "slog",
			Level:   "info",
			Format:  "text",
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 4096,
			Timeout:   "120s",
		},
		Nucleus: NucleusConfig{
			Hooks:              nucleus.Hooks{Preflight: true, Postcheck: false},
			MaxQueryRounds:     nucleus.DefaultMaxQueryRounds,
			MaxRetrievalRounds: nucleus.DefaultMaxRetrievalRounds,
			MaxContextTokens:   16000,
		},
		Profiles: map[string]ProfileConfig{},
		Executor: ExecutorConfig{
			MaxParallel:        1,
			CheckpointInterval: 1,
		},
		Checkpoint: CheckpointConfig{
			Store:    "sqlite",
			Path:     filepath.Join(".agentplan", "checkpoints.db"),
			KeepLast: 10,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			cfg.applyEnvOverrides()

			if err := cfg.Validate(); err != nil {
				return nil, err
			}

			return cfg, nil
		}

		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(bytes.NewReader(data))
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration as YAML, creating the directory.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if p := os.Getenv("AGENTPLAN_LLM_PROVIDER"); p != "" {
		c.LLM.Provider = p
	}

	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	if path := os.Getenv("AGENTPLAN_CHECKPOINT_PATH"); path != "" {
		c.Checkpoint.Path = path
	}

	if level := os.Getenv("AGENTPLAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks enumerations, durations and numeric bounds.
func (c *Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(oneOf(c.Logging.Backend, ValidBackends), "logging.backend %q (valid: %v)", c.Logging.Backend, ValidBackends)

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		check(false, "logging.level: %v", err)
	}

	check(oneOf(c.LLM.Provider, ValidProviders), "llm.provider %q (valid: %v)", c.LLM.Provider, ValidProviders)
	check(validDuration(c.LLM.Timeout), "llm.timeout %q", c.LLM.Timeout)

	check(c.Nucleus.MaxQueryRounds >= 0, "nucleus.max_query_rounds must not be negative")
	check(c.Nucleus.MaxRetrievalRounds >= 0, "nucleus.max_retrieval_rounds must not be negative")
	check(c.Nucleus.MaxContextTokens >= 0, "nucleus.max_context_tokens must not be negative")

	for name, p := range c.Profiles {
		check(p.MaxQueryRounds >= 0 && p.MaxRetrievalRounds >= 0 && p.MaxContextTokens >= 0,
			"profiles.%s: limits must not be negative", name)
	}

	check(c.Executor.MaxParallel >= 0, "executor.max_parallel must not be negative")
	check(c.Executor.CheckpointInterval >= 0, "executor.checkpoint_interval must not be negative")
	check(c.Executor.MaxModelCalls >= 0, "executor.max_model_calls must not be negative")
	check(validDuration(c.Executor.Timeout), "executor.timeout %q", c.Executor.Timeout)

	check(oneOf(c.Checkpoint.Store, ValidStores), "checkpoint.store %q (valid: %v)", c.Checkpoint.Store, ValidStores)
	check(c.Checkpoint.Store != "sqlite" || c.Checkpoint.Path != "", "checkpoint.path is required for sqlite")
	check(c.Checkpoint.KeepLast >= 0, "checkpoint.keep_last must not be negative")
	check(validDuration(c.Checkpoint.MaxAge), "checkpoint.max_age %q", c.Checkpoint.MaxAge)

	seen := map[string]bool{}
	for i, s := range c.Retrieval.Sources {
		check(s.Name != "", "retrieval.sources[%d]: name is required", i)
		check(!seen[s.Name], "retrieval.sources[%d]: duplicate name %q", i, s.Name)
		seen[s.Name] = true
	}

	return errors.Join(errs...)
}

// LLMTimeout returns the model call timeout. Zero means none.
func (c *Config) LLMTimeout() time.Duration { return duration(c.LLM.Timeout) }

// ExecutorTimeout returns the run timeout. Zero means none.
func (c *Config) ExecutorTimeout() time.Duration { return duration(c.Executor.Timeout) }

// CheckpointMaxAge returns the prune age. Zero keeps checkpoints regardless
// of age.
func (c *Config) CheckpointMaxAge() time.Duration { return duration(c.Checkpoint.MaxAge) }

// Profile resolves a named profile against the Nucleus defaults.
func (c *Config) Profile(name string) (ResolvedProfile, bool) {
	p, ok := c.Profiles[name]
	if !ok {
		return ResolvedProfile{}, false
	}

	r := ResolvedProfile{
		Intent:             p.Intent,
		Model:              p.Model,
		Temperature:        p.Temperature,
		Hooks:              c.Nucleus.Hooks,
		MaxQueryRounds:     c.Nucleus.MaxQueryRounds,
		MaxRetrievalRounds: c.Nucleus.MaxRetrievalRounds,
		MaxContextTokens:   c.Nucleus.MaxContextTokens,
	}

	if r.Model == "" {
		r.Model = c.LLM.Model
	}

	if r.Temperature == nil {
		r.Temperature = c.LLM.Temperature
	}

	if p.Hooks != nil {
		r.Hooks = *p.Hooks
	}

	if p.MaxQueryRounds > 0 {
		r.MaxQueryRounds = p.MaxQueryRounds
	}

	if p.MaxRetrievalRounds > 0 {
		r.MaxRetrievalRounds = p.MaxRetrievalRounds
	}

	if p.MaxContextTokens > 0 {
		r.MaxContextTokens = p.MaxContextTokens
	}

	return r, true
}

// ResolvedProfile is a profile with defaults applied.
type ResolvedProfile struct {
	Intent             string
	Model              string
	Temperature        *float64
	Hooks              nucleus.Hooks
	MaxQueryRounds     int
	MaxRetrievalRounds int
	MaxContextTokens   int
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}

func validDuration(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.ParseDuration(s)
	return err == nil
}

func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
