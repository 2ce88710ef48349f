package main

import (
	"github.com/spf13/cobra"
)

func newResumeCmd(g *globalFlags) *cobra.Command {
	var (
		checkpointID string
		asJSON       bool
		follow       bool
	)

	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Continue a run from its latest (or a given) checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, cfg, err := g.open()
			if err != nil {
				return err
			}
			defer ap.Close()

			if follow {
				ap.OnEntry(followEntries(cmd.ErrOrStderr()))
			}

			ctx, stop := runContext(cmd.Context(), cfg.ExecutorTimeout())
			defer stop()

			res, err := ap.Resume(ctx, args[0], checkpointID)

			return report(cmd.OutOrStdout(), res, err, asJSON)
		},
	}

	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint id (defaults to the latest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream ledger entries to stderr while running")

	return cmd
}
