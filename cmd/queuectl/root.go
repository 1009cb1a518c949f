package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/CharanSaiVaddi/queuectl/internal/config"
	"github.com/CharanSaiVaddi/queuectl/internal/queue"
	"github.com/CharanSaiVaddi/queuectl/internal/storage"
)

// app is the state shared by every subcommand. The store is opened on first
// use so that config commands work without a database.
type app struct {
	configPath string
	dbOverride string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	store  storage.Storage
}

func (a *app) openStore(ctx context.Context) (storage.Storage, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := storage.Open(ctx, a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *app) queue(ctx context.Context) (*queue.Queue, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return queue.New(s, a.cfg, a.logger), nil
}

// close releases the store if a command opened one. It runs after every
// command, including failed ones, which cobra's post-run hooks skip.
func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// newRootCmd builds the command tree. The returned func must be called once
// the command has run.
func newRootCmd() (*cobra.Command, func() error) {
	a := &app{}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "A persistent background job queue for shell commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			slog.SetDefault(a.logger)

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.dbOverride != "" {
				cfg.DBPath = a.dbOverride
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "Path to the JSON config file")
	root.PersistentFlags().StringVar(&a.dbOverride, "db", "", "SQLite path or postgres:// / redis:// URL (overrides db_path)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(enqueueCmd(a))
	root.AddCommand(listCmd(a))
	root.AddCommand(workerCmd(a))
	root.AddCommand(dlqCmd(a))
	root.AddCommand(configCmd(a))
	root.AddCommand(statusCmd(a))
	return root, a.close
}
