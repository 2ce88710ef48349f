package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentplan/plan"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Inspect plan files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check a plan for structural errors and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.LoadFile(args[0])
			if err != nil {
				return err
			}

			order, err := p.Order()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan %s is valid: %d tasks, %d edges\n", p.ID, len(p.Tasks), len(p.Edges))
			fmt.Fprintf(out, "Order: %v\n", order)

			return nil
		},
	})

	return cmd
}
