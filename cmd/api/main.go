package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalima-platform/auth-service/internal/config"
	"github.com/kalima-platform/auth-service/internal/di"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "api",
		Short:         "Kalima authentication service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newCleanupCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, cleanup, err := di.InitializeApp(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}
			defer cleanup()
			return a.Run(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Opening storage applies migrations.
			m, cleanup, err := di.InitializeMaintenance(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			m.Logger.Info("migrations applied", "driver", m.DB.Driver)
			return nil
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired refresh token records once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, cleanup, err := di.InitializeMaintenance(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			n, err := m.Store.CleanupExpired(cmd.Context())
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			m.Logger.Info("expired sessions removed", "count", n)
			return nil
		},
	}
}
