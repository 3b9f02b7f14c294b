package main

import (
	"context"
	"fmt"
	"time"

	"policygov/internal/boundary"
	"policygov/internal/events"
	"policygov/internal/governance"

	"github.com/spf13/cobra"
)

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire overdue requests and grants once",
		Long: `Runs the same sweeps as POST /internal/cron/expire. Safe to re-run:
rows already transitioned are skipped and never logged twice.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnv()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := governance.NewPGStore(db).WithLockTimeout(5 * time.Second)
			tiers, err := boundary.LoadTierTable(cfg.Governance.TiersFile)
			if err != nil {
				return err
			}
			emitter, err := events.NewEmitter(cfg.Events.QueueSize, log, nil)
			if err != nil {
				return err
			}
			svc := governance.NewService(store, boundary.NewValidator(boundary.NewCache(store, tiers, 0))).
				WithEmitter(emitter)

			requests, err := svc.ExpireStaleRequests(cmd.Context())
			if err != nil {
				return fmt.Errorf("expire requests: %w", err)
			}
			grants, err := svc.ExpireGrants(cmd.Context())
			if err != nil {
				return fmt.Errorf("expire grants: %w", err)
			}

			// Flush the queued lifecycle events through the sink before exit.
			ctx, cancel := context.WithCancel(cmd.Context())
			cancel()
			emitter.Run(ctx)

			fmt.Fprintf(cmd.OutOrStdout(), "requests_expired=%d grants_expired=%d\n", requests, grants)
			return nil
		},
	}
}
