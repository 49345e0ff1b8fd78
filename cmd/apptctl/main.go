// Package main provides apptctl, the operator CLI for the appointment
// services: schema migrations, topic administration, outbox and inbox
// maintenance, and development tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/healthbridge/apptflow/internal/config"
	"github.com/healthbridge/apptflow/internal/infrastructure/postgres"
	"github.com/healthbridge/apptflow/internal/observability/logging"
)

var envFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "apptctl",
		Short:         "Operate the appointment services",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env bundles what most subcommands need.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

func load() (*env, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env, "apptctl")
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) pool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := e.cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	return postgres.NewPool(ctx, e.cfg.DatabaseURL, 2, 0)
}

// withPool runs fn against a fresh pool.
func withPool(cmd *cobra.Command, fn func(ctx context.Context, e *env, pool *pgxpool.Pool) error) error {
	e, err := load()
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	ctx := cmd.Context()
	pool, err := e.pool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, e, pool)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				n, err := postgres.NewMigrator(pool, e.logger).Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, e *env, pool *pgxpool.Pool) error {
				statuses, err := postgres.NewMigrator(pool, e.logger).Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied " + s.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%03d  %-32s %s\n", s.Version, s.Name, state)
				}
				return nil
			})
		},
	})
	return cmd
}
