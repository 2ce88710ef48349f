package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/executor"
	"github.com/hupe1980/agentplan/ledger"
)

func newLedgerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Export and verify decision ledgers",
	}

	var (
		checkpointID string
		output       string
	)

	export := &cobra.Command{
		Use:   "export RUN_ID",
		Short: "Write a run's ledger as JSON Lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ap, _, err := g.open()
			if err != nil {
				return err
			}
			defer ap.Close()

			cp, err := ap.Store().Get(cmd.Context(), args[0], checkpointID)
			if err != nil {
				return err
			}

			if cp == nil {
				return fmt.Errorf("%w: run %s", executor.ErrCheckpointNotFound, args[0])
			}

			st, err := executor.LoadState(cp)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()

			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()

				w = f
			}

			return ledger.WriteJSONL(w, st.Ledger)
		},
	}

	export.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint id (defaults to the latest)")
	export.Flags().StringVarP(&output, "output", "o", "", "Output file (defaults to stdout)")

	verify := &cobra.Command{
		Use:   "verify FILE",
		Short: "Check the hash chain of an exported ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := ledger.ReadJSONL(f)
			if err != nil {
				return err
			}

			if err := ledger.Validate(entries); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Ledger intact: %d entries\n", len(entries))

			return nil
		},
	}

	cmd.AddCommand(export, verify)

	return cmd
}
