package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CharanSaiVaddi/queuectl/internal/job"
)

func listCmd(a *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in a given state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := q.List(cmd.Context(), state)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no %s jobs\n", state)
				return nil
			}
			return printJobs(cmd.OutOrStdout(), jobs, false)
		},
	}
	cmd.Flags().StringVar(&state, "state", string(job.StatePending), "pending, processing, completed or dead")
	return cmd
}

func printJobs(out io.Writer, jobs []*job.Job, withError bool) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := "ID\tSTATE\tATTEMPTS\tRUN AT\tCOMMAND"
	if withError {
		header += "\tLAST ERROR"
	}
	fmt.Fprintln(tw, header)
	for _, j := range jobs {
		line := fmt.Sprintf("%s\t%s\t%d/%d\t%s\t%s",
			j.ID, j.State, j.Attempts, j.MaxRetries, j.RunAt.Local().Format(time.DateTime), j.Command)
		if withError {
			line += "\t" + firstLine(j.ErrorMessage)
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
