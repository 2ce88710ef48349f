// Package agentplan provides a high-level façade over the resumable plan
// executor. Most applications interact with this package by:
//  1. Creating an AgentPlan via New() or FromConfig()
//  2. Registering capabilities, Nucleus profiles and retrieval sources
//  3. Running plans (Run) and continuing interrupted runs (Resume)
//
// The façade wires the executor with safe defaults: an in-memory checkpoint
// store, an allow-all policy, an in-memory knowledge store and a NoOp
// logger. Production deployments supply a SQLite checkpoint store, policy
// rules and a structured logger, usually through a config.Config.
package agentplan

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/hupe1980/agentplan/checkpoint"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/executor"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/memory"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
	"github.com/hupe1980/agentplan/policy"
	"github.com/hupe1980/agentplan/provider"
)

// Options configures the AgentPlan instance.
type Options struct {
	// Model serves every Nucleus. Required only for tasks with a nucleusRef.
	Model model.Model

	// Profiles are the Nucleus configurations tasks reference by name.
	Profiles map[string]executor.NucleusProfile

	// Capabilities and Verifiers extend the executor built-ins.
	Capabilities map[string]executor.Capability
	Verifiers    map[string]executor.Verifier

	// Bindings route retrieval directives to tools. Sources registered with
	// AddSource are appended.
	Bindings []provider.Binding

	// Stores (default to in-memory implementations if not provided)
	CheckpointStore core.CheckpointStore
	MemoryStore     core.MemoryStore

	Policy core.PolicyEngine

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Callbacks observe ledger entries as runs record them.
	Callbacks []executor.Callback

	MaxParallel        int
	CheckpointInterval int
	MaxModelCalls      int
}

// Source is a memory namespace exposed as a retrieval tool. Directives of
// the form "<Name>: <query>" search it.
type Source struct {
	Name         string
	ArtifactType string
	Limit        int
	AutoPromote  bool
	MaxArtifacts int
}

// AgentPlan is the high-level façade aggregating the executor and its
// collaborators.
type AgentPlan struct {
	opts    Options
	sources []Source
	closers []func() error
	prune   core.PrunePolicy

	mu   sync.Mutex // guards sources, registries and exec
	exec *executor.Executor
}

// New creates a new AgentPlan instance with optional overrides. Any unset
// service is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *AgentPlan {
	opts := Options{
		CheckpointStore: checkpoint.NewInMemoryStore(),
		MemoryStore:     memory.NewInMemoryStore(),
		Policy:          policy.AllowAll{},
		Logger:          logging.NoOpLogger{},
		Profiles:        map[string]executor.NucleusProfile{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &AgentPlan{opts: opts, prune: core.PrunePolicy{KeepLast: 10}}
}

// AddSource registers a retrieval source backed by the memory store.
func (a *AgentPlan) AddSource(s Source) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sources = append(a.sources, s)
	a.exec = nil
}

// RegisterCapability adds or replaces a capability.
func (a *AgentPlan) RegisterCapability(name string, c executor.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opts.Capabilities == nil {
		a.opts.Capabilities = map[string]executor.Capability{}
	}

	a.opts.Capabilities[name] = c
	a.exec = nil
}

// RegisterProfile adds or replaces a Nucleus profile.
func (a *AgentPlan) RegisterProfile(name string, p executor.NucleusProfile) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.opts.Profiles == nil {
		a.opts.Profiles = map[string]executor.NucleusProfile{}
	}

	a.opts.Profiles[name] = p
	a.exec = nil
}

// OnEntry adds a callback observing recorded ledger entries.
func (a *AgentPlan) OnEntry(cb executor.Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.opts.Callbacks = append(a.opts.Callbacks, cb)
	a.exec = nil
}

// Remember stores a document in a retrieval source's namespace.
func (a *AgentPlan) Remember(source, content string, metadata map[string]any) error {
	return a.opts.MemoryStore.Store(source, content, metadata)
}

// Store returns the checkpoint store.
func (a *AgentPlan) Store() core.CheckpointStore { return a.opts.CheckpointStore }

// Logger returns the configured logger.
func (a *AgentPlan) Logger() logging.Logger { return a.opts.Logger }

// Run executes a plan against a context packet.
func (a *AgentPlan) Run(ctx context.Context, goal core.Goal, pkt *packet.Packet, p *plan.Plan, optFns ...func(o *executor.RunOptions)) (*executor.Result, error) {
	ex, err := a.executor()
	if err != nil {
		return nil, err
	}

	return ex.Run(ctx, goal, pkt, p, optFns...)
}

// Resume continues a run from a checkpoint; an empty checkpointID selects
// the latest one.
func (a *AgentPlan) Resume(ctx context.Context, runID, checkpointID string) (*executor.Result, error) {
	ex, err := a.executor()
	if err != nil {
		return nil, err
	}

	return ex.Resume(ctx, runID, checkpointID)
}

// Close releases resources opened by FromConfig.
func (a *AgentPlan) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	a.closers = nil

	return errors.Join(errs...)
}

// executor returns the cached executor, rebuilding it after a registration
// changed. The executor receives copies of the registries so later
// registrations never mutate maps an in-flight run reads.
func (a *AgentPlan) executor() (*executor.Executor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exec != nil {
		return a.exec, nil
	}

	bindings := append([]provider.Binding(nil), a.opts.Bindings...)

	for _, s := range a.sources {
		s := s

		search := memory.NewSearchTool(a.opts.MemoryStore, func(o *memory.SearchOptions) {
			o.Name = s.Name
			o.Namespace = s.Name

			if s.ArtifactType != "" {
				o.ArtifactType = s.ArtifactType
			}

			if s.Limit > 0 {
				o.Limit = s.Limit
			}
		})

		bindings = append(bindings, provider.Binding{
			Tool:         search,
			AutoPromote:  s.AutoPromote,
			MaxArtifacts: s.MaxArtifacts,
			ArtifactType: s.ArtifactType,
		})
	}

	var cp nucleus.ContextProvider

	if len(bindings) > 0 {
		adapter, err := provider.New(bindings, func(o *provider.Options) {
			o.Logger = a.opts.Logger
		})
		if err != nil {
			return nil, fmt.Errorf("build context provider: %w", err)
		}

		cp = adapter
	}

	a.exec = executor.New(func(o *executor.Options) {
		o.Model = a.opts.Model
		o.Profiles = maps.Clone(a.opts.Profiles)
		o.Provider = cp
		o.Capabilities = maps.Clone(a.opts.Capabilities)
		o.Verifiers = maps.Clone(a.opts.Verifiers)
		o.Policy = a.opts.Policy
		o.Store = a.opts.CheckpointStore
		o.Logger = a.opts.Logger
		o.MaxParallel = a.opts.MaxParallel
		o.CheckpointInterval = a.opts.CheckpointInterval
		o.MaxModelCalls = a.opts.MaxModelCalls
		o.Callbacks = slices.Clone(a.opts.Callbacks)
	})

	a.opts.Logger.Debug("agentplan.executor.ready", "profiles", sortedKeys(a.opts.Profiles), "bindings", len(bindings))

	return a.exec, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
