package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func enqueueCmd(a *app) *cobra.Command {
	var (
		jobJSON    string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "enqueue [command]",
		Short: "Add a shell command to the queue",
		Example: `  queuectl enqueue "echo hello"
  queuectl enqueue "curl -f https://example.com" --max-retries 5
  queuectl enqueue --job '{"command": "sleep 2", "max_retries": 1}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (jobJSON == "") == (len(args) == 0) {
				return errors.New("provide either a command argument or --job")
			}
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			var id string
			if jobJSON != "" {
				id, err = q.EnqueueJSON(cmd.Context(), []byte(jobJSON))
			} else {
				id, err = q.Enqueue(cmd.Context(), args[0], maxRetries)
			}
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enqueued job", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobJSON, "job", "", `Job as JSON: {"command": "...", "max_retries": N}`)
	cmd.Flags().IntVar(&maxRetries, "max-retries", -1, "Attempts before the job is dead-lettered (default from config)")
	return cmd
}
