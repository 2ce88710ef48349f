package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/config"
)

func newConfigCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(g.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", g.configPath)
			}

			if err := config.Default().Save(g.configPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", g.configPath)

			return nil
		},
	}

	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: provider=%s store=%s profiles=%d sources=%d\n",
				cfg.LLM.Provider, cfg.Checkpoint.Store, len(cfg.Profiles), len(cfg.Retrieval.Sources))

			return nil
		},
	}

	cmd.AddCommand(initCmd, validate)

	return cmd
}
