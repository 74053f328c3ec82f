package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"localrag/apps/backend/internal/app"
	"localrag/apps/backend/internal/config"
	"localrag/apps/backend/internal/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "localrag",
		Short:         "Document question answering over a durable task queue",
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		roleCmd(app.RoleServe, "Run the HTTP API and the worker pool in one process"),
		roleCmd(app.RoleAPI, "Run only the HTTP API; tasks are executed by worker processes"),
		roleCmd(app.RoleWorker, "Run only the worker pool"),
		migrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func roleCmd(role app.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, role)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			deps, err := app.Bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			deps.Close()
			slog.Info("migrations applied", "db_driver", cfg.DBDriver)
			return nil
		},
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(logger.New(os.Stdout, cfg.LogLevel))
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, role app.Role) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer deps.Close()

	a, err := app.New(ctx, cfg, deps)
	if err != nil {
		return fmt.Errorf("app init failed: %w", err)
	}
	defer a.Close()

	slog.Info("localrag starting", "role", role, "version", app.Version)
	if err := a.Run(ctx, role); err != nil {
		return fmt.Errorf("app run failed: %w", err)
	}
	slog.Info("localrag stopped", "role", role)
	return nil
}
