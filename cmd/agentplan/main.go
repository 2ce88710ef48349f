// Command agentplan runs, resumes and inspects plans executed by the
// resumable plan executor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan"
	"github.com/hupe1980/agentplan/config"
)

// version is set at build time via -ldflags.
var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "agentplan",
		Short: "Run resumable agent plans with bounded reasoning",
		Long: "agentplan executes DAG plans against immutable context packets.\n" +
			"Every decision is recorded in a hash-chained ledger and checkpointed,\n" +
			"so interrupted runs can be resumed without re-executing finished tasks.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "agentplan.yaml", "Path to the configuration file")
	pf.StringVar(&g.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newPlanCmd(),
		newLedgerCmd(g),
		newCheckpointsCmd(g),
		newConfigCmd(g),
	)

	return root
}

func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	return cfg, nil
}

func (g *globalFlags) open() (*agentplan.AgentPlan, *config.Config, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}

	ap, err := agentplan.FromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	return ap, cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
