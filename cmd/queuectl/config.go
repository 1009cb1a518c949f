package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/CharanSaiVaddi/queuectl/internal/config"
)

func configCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change persisted settings",
	}

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print one setting, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v, err := a.cfg.Get(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}
			for _, k := range config.Keys() {
				v, _ := a.cfg.Get(k)
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k, v)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting and save the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// --db is a per-invocation override and must not be persisted
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Save(a.configPath); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			if cfg.LeaseHazard() {
				a.logger.Warn("lock_timeout_seconds should exceed job_timeout_seconds; long jobs may be reclaimed and run twice",
					slog.Int("lock_timeout_seconds", cfg.LockTimeoutSeconds),
					slog.Int("job_timeout_seconds", cfg.JobTimeoutSeconds),
				)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}
