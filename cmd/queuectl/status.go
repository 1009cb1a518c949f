package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print counts of jobs by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := q.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, st := range job.States() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s %d\n", st, counts[st])
			}
			return nil
		},
	}
}
