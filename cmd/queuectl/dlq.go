package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func dlqCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the dead letter queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := q.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead letter queue is empty")
				return nil
			}
			return printJobs(cmd.OutOrStdout(), jobs, true)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to pending with its attempts reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			if err := q.RetryDead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "job requeued:", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, retry)
	return cmd
}
