package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"policygov/internal/config"
	"policygov/pkg/logger"
	"policygov/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "govctl",
		Short: "Operator tooling for the policy governance service",
		Long: `govctl runs one-off operator tasks against the governance database.

Commands:
  migrate  Apply embedded schema migrations
  expire   Run the request and grant expiry sweeps once
  token    Mint a development access token
  tiers    Print the effective tier boundary table`,
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(), newExpireCmd(), newTokenCmd(), newTiersCmd())
	return root
}

// loadEnv reads and validates configuration the same way the API does.
func loadEnv() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.New(cfg.App.Env, "govctl"), nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}
