package main

import (
	"fmt"

	"github.com/cuongbtq/songforge/internal/store"
	"github.com/spf13/cobra"
)

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}

			if err := store.Migrate(db.GetDB().DB); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	}
}
