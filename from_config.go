package agentplan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/agentplan/checkpoint"
	"github.com/hupe1980/agentplan/config"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/executor"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/model"
	anthropicmodel "github.com/hupe1980/agentplan/model/anthropic"
	openaimodel "github.com/hupe1980/agentplan/model/openai"
	"github.com/hupe1980/agentplan/policy"
)

// FromConfig builds an AgentPlan from a loaded configuration. optFns run
// after the configuration has been applied, so callers can still replace
// individual services (for example the model in tests). Close releases the
// checkpoint database and flushes the logger.
func FromConfig(cfg *config.Config, optFns ...func(o *Options)) (*AgentPlan, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []func() error

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	logger, syncLogger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	if syncLogger != nil {
		closers = append(closers, syncLogger)
	}

	store, closeStore, err := OpenStore(cfg.Checkpoint)
	if err != nil {
		cleanup()
		return nil, err
	}

	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	var engine core.PolicyEngine = policy.AllowAll{}

	if cfg.Policy.RulesFile != "" {
		rules, err := policy.LoadRules(cfg.Policy.RulesFile)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("load policy rules: %w", err)
		}

		engine = rules
	}

	profiles := make(map[string]executor.NucleusProfile, len(cfg.Profiles))

	for name := range cfg.Profiles {
		rp, _ := cfg.Profile(name)
		profiles[name] = executor.NucleusProfile{
			Intent: rp.Intent,
			LLM: model.Config{
				Provider:    cfg.LLM.Provider,
				Model:       rp.Model,
				Temperature: rp.Temperature,
				MaxTokens:   cfg.LLM.MaxTokens,
			},
			Hooks:              rp.Hooks,
			MaxQueryRounds:     rp.MaxQueryRounds,
			MaxRetrievalRounds: rp.MaxRetrievalRounds,
			MaxContextTokens:   rp.MaxContextTokens,
		}
	}

	m, err := NewModel(cfg.LLM, cfg.LLMTimeout())
	if err != nil {
		cleanup()
		return nil, err
	}

	a := New(func(o *Options) {
		o.Model = m
		o.Profiles = profiles
		o.CheckpointStore = store
		o.Policy = engine
		o.Logger = logger
		o.MaxParallel = cfg.Executor.MaxParallel
		o.CheckpointInterval = cfg.Executor.CheckpointInterval
		o.MaxModelCalls = cfg.Executor.MaxModelCalls
	})

	for _, fn := range optFns {
		fn(&a.opts)
	}

	a.closers = closers
	a.prune = core.PrunePolicy{KeepLast: cfg.Checkpoint.KeepLast, MaxAge: cfg.CheckpointMaxAge()}

	for _, src := range cfg.Retrieval.Sources {
		for _, doc := range src.Documents {
			if err := a.Remember(src.Name, doc.Content, doc.Metadata); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("seed source %s: %w", src.Name, err)
			}
		}

		a.AddSource(Source{
			Name:         src.Name,
			ArtifactType: src.ArtifactType,
			Limit:        src.Limit,
			AutoPromote:  src.AutoPromote,
			MaxArtifacts: src.MaxArtifacts,
		})
	}

	logger.Debug("agentplan.config.loaded",
		"provider", cfg.LLM.Provider,
		"store", cfg.Checkpoint.Store,
		"profiles", len(profiles),
		"sources", len(cfg.Retrieval.Sources),
	)

	return a, nil
}

// NewLogger builds the configured logging backend. The returned function
// flushes buffered output and is nil for backends that do not buffer.
func NewLogger(cfg config.LoggingConfig) (logging.Logger, func() error, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	switch cfg.Backend {
	case "zap":
		return logging.NewZapLogger(level, cfg.Format == "text")
	case "", "slog":
		return logging.NewLogger(&logging.LoggerConfig{
			Level:     level,
			Format:    cfg.Format,
			Output:    os.Stderr,
			AddSource: cfg.AddSource,
			Component: "agentplan",
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown logging backend %q", config.ErrInvalidConfig, cfg.Backend)
	}
}

// NewModel builds the configured model provider. A positive timeout bounds
// every Generate call.
func NewModel(cfg config.LLMConfig, timeout time.Duration) (model.Model, error) {
	var m model.Model

	switch cfg.Provider {
	case "openai":
		m = openaimodel.NewModel(func(o *openaimodel.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}

			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}

			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}

			o.SystemPrompt = cfg.SystemPrompt
			o.APIKey = cfg.APIKey
		})
	case "anthropic":
		m = anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			if cfg.Model != "" {
				o.Model = anthropic.Model(cfg.Model)
			}

			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}

			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}

			o.SystemPrompt = cfg.SystemPrompt
			o.APIKey = cfg.APIKey
		})
	case "mock":
		m = model.NewMockModel(cfg.Model, "mock")
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", config.ErrInvalidConfig, cfg.Provider)
	}

	if timeout > 0 {
		m = &timeoutModel{next: m, timeout: timeout}
	}

	return m, nil
}

// OpenStore opens the configured checkpoint store. The returned function
// closes it and is nil for the in-memory store.
func OpenStore(cfg config.CheckpointConfig) (core.CheckpointStore, func() error, error) {
	switch cfg.Store {
	case "", "memory":
		return checkpoint.NewInMemoryStore(), nil, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); cfg.Path != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create checkpoint dir: %w", err)
			}
		}

		s, err := checkpoint.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}

		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown checkpoint store %q", config.ErrInvalidConfig, cfg.Store)
	}
}

// Prune applies the configured retention policy to a run's checkpoints.
func (a *AgentPlan) Prune(ctx context.Context, runID string) (int, error) {
	n, err := a.opts.CheckpointStore.Prune(ctx, runID, a.prune)
	if err != nil {
		return 0, err
	}

	a.opts.Logger.Info("agentplan.checkpoints.pruned", "runId", runID, "deleted", n, "keepLast", a.prune.KeepLast)

	return n, nil
}

type timeoutModel struct {
	next    model.Model
	timeout time.Duration
}

func (t *timeoutModel) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return t.next.Generate(ctx, req)
}

func (t *timeoutModel) Info() model.Info { return t.next.Info() }
