package main

import (
	"fmt"

	"policygov/internal/migrate"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				versions, err := migrate.Versions()
				if err != nil {
					return err
				}
				for _, v := range versions {
					fmt.Fprintln(out, v)
				}
				return nil
			}

			cfg, log, err := loadEnv()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := migrate.Up(cmd.Context(), db)
			if err != nil {
				return err
			}
			log.Info("migrations applied", "count", len(applied))
			for _, v := range applied {
				fmt.Fprintf(out, "applied %s\n", v)
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List embedded migration versions without connecting")
	return cmd
}
