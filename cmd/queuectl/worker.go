package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CharanSaiVaddi/queuectl/internal/telemetry"
	"github.com/CharanSaiVaddi/queuectl/internal/worker"
)

func workerCmd(a *app) *cobra.Command {
	var (
		count    int
		duration int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers until interrupted",
		Long: `Run workers until SIGINT/SIGTERM (or --duration elapses).

On shutdown each worker finishes its current job. Jobs still running after
shutdown_timeout_seconds are killed and recorded as failed attempts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(duration)*time.Second)
				defer cancel()
			}

			col := telemetry.NewCollector(a.logger)
			pool := worker.NewPool(s, worker.FromConfig(a.cfg), count,
				worker.WithPoolLogger(a.logger),
				worker.WithPoolTelemetry(col.Instruments()),
			)
			runErr := pool.Run(ctx)

			// ctx is already cancelled here
			sctx := context.WithoutCancel(cmd.Context())
			if sum, err := col.Summary(sctx); err != nil {
				a.logger.Warn("collect telemetry", slog.String("error", err.Error()))
			} else {
				a.logger.Info("worker telemetry", slog.Any("jobs", sum))
			}
			if err := col.Shutdown(sctx); err != nil {
				a.logger.Warn("shutdown telemetry", slog.String("error", err.Error()))
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "Number of workers to start")
	cmd.Flags().IntVar(&duration, "duration", 0, "Stop after N seconds (0 = run until interrupted)")
	return cmd
}
