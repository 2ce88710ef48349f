package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/executor"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
)

// contextFile is the on-disk form of a context packet.
type contextFile struct {
	Sources     []string       `yaml:"sources"`
	Facts       map[string]any `yaml:"facts"`
	Assumptions []string       `yaml:"assumptions"`
}

func loadPacket(path string) (*packet.Packet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}

	var cf contextFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode context: %w", err)
	}

	b := packet.NewBuilder()

	for _, s := range cf.Sources {
		b.AddSource(s)
	}

	keys := make([]string, 0, len(cf.Facts))
	for k := range cf.Facts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		b.AddFact(k, cf.Facts[k])
	}

	for _, a := range cf.Assumptions {
		b.AddAssumption(a)
	}

	return b.Build()
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		planPath    string
		contextPath string
		goalID      string
		intent      string
		runID       string
		asJSON      bool
		follow      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan against a context packet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := plan.LoadFile(planPath)
			if err != nil {
				return err
			}

			pkt, err := loadPacket(contextPath)
			if err != nil {
				return err
			}

			ap, cfg, err := g.open()
			if err != nil {
				return err
			}
			defer ap.Close()

			if follow {
				ap.OnEntry(followEntries(cmd.ErrOrStderr()))
			}

			if goalID == "" {
				goalID = p.ID
			}

			ctx, stop := runContext(cmd.Context(), cfg.ExecutorTimeout())
			defer stop()

			res, err := ap.Run(ctx, core.Goal{ID: goalID, Intent: intent}, pkt, p, func(o *executor.RunOptions) {
				o.RunID = runID
			})

			return report(cmd.OutOrStdout(), res, err, asJSON)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&planPath, "plan", "p", "", "Plan file (YAML or JSON)")
	f.StringVar(&contextPath, "context", "", "Context packet file (YAML or JSON)")
	f.StringVar(&goalID, "goal-id", "", "Goal identifier (defaults to the plan id)")
	f.StringVar(&intent, "intent", "", "Goal intent handed to Nucleus tasks")
	f.StringVar(&runID, "run-id", "", "Run identifier (generated when empty)")
	f.BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	f.BoolVarP(&follow, "follow", "f", false, "Stream ledger entries to stderr while running")

	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("context")

	return cmd
}

// runContext cancels on SIGINT/SIGTERM and after the optional timeout.
// Cancellation leaves the run resumable from its last checkpoint.
func runContext(parent context.Context, timeout time.Duration) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)

	if timeout <= 0 {
		return ctx, stop
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	return ctx, func() {
		cancel()
		stop()
	}
}

// followEntries prints one line per ledger entry.
func followEntries(w io.Writer) executor.Callback {
	var mu sync.Mutex

	return func(_ string, e ledger.Entry) {
		details, _ := json.Marshal(e.Details)

		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(w, "%4d %-21s %s\n", e.Seq, e.Type, details)
	}
}

func report(w io.Writer, res *executor.Result, runErr error, asJSON bool) error {
	if res == nil {
		return runErr
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(res); err != nil {
			return err
		}

		return runErr
	}

	fmt.Fprintf(w, "Run:         %s\n", res.RunID)
	fmt.Fprintf(w, "Status:      %s\n", res.Status)
	fmt.Fprintf(w, "Context:     %s (v%d)\n", res.Context.ID(), res.Context.Version())
	fmt.Fprintf(w, "Checkpoint:  %s\n", res.CheckpointID)
	fmt.Fprintf(w, "Executed:    %v\n", res.Executed)

	ids := make([]string, 0, len(res.TaskStatus))
	for id := range res.TaskStatus {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		fmt.Fprintf(w, "  %-12s %s\n", id, res.TaskStatus[id])
	}

	m := res.Metrics
	fmt.Fprintf(w, "Metrics:     completed=%d skipped=%d failed=%d retries=%d modelCalls=%d tokens=%d\n",
		m.TasksCompleted, m.TasksSkipped, m.TasksFailed, m.Retries, m.ModelCalls, m.EstimatedTokens)

	if res.Failure != nil {
		fmt.Fprintf(w, "Failure:     task=%s class=%s code=%s: %s\n", res.Failure.TaskID, res.Failure.Class, res.Failure.Code, res.Failure.Message)
	}

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		fmt.Fprintf(w, "Interrupted; continue with: agentplan resume %s\n", res.RunID)
	}

	return runErr
}
