package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/executor"
)

func newCheckpointsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "List and prune run checkpoints",
	}

	list := &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List the checkpoints of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, _, err := g.open()
			if err != nil {
				return err
			}
			defer ap.Close()

			cps, err := ap.Store().List(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if len(cps) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No checkpoints for run %s\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSEQ\tTIME\tSTATUS\tDECIDED")

			for _, cp := range cps {
				status, decided := "?", 0
				if st, err := executor.LoadState(cp); err == nil {
					status, decided = string(st.Status), len(st.TaskStatus)
				}

				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\n", cp.ID, cp.Seq, cp.Timestamp.Format(time.RFC3339), status, decided)
			}

			return tw.Flush()
		},
	}

	prune := &cobra.Command{
		Use:   "prune RUN_ID",
		Short: "Delete checkpoints outside the configured retention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, _, err := g.open()
			if err != nil {
				return err
			}
			defer ap.Close()

			n, err := ap.Prune(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d checkpoints of run %s\n", n, args[0])

			return nil
		},
	}

	cmd.AddCommand(list, prune)

	return cmd
}
