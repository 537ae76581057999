package main

import (
	"fmt"
	"time"

	"github.com/cuongbtq/songforge/internal/recovery"
	"github.com/cuongbtq/songforge/internal/store"
	"github.com/spf13/cobra"
)

func recoverCmd(a *app) *cobra.Command {
	var opts recovery.Options

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Republish jobs whose worker went away",
		Long: `Republishes queued jobs that were never picked up, processing jobs
whose heartbeat went stale and processed jobs still waiting for their debit.
Each job resumes from its stored status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}
			rabbit, err := a.broker()
			if err != nil {
				return err
			}

			sweeper := recovery.NewSweeper(store.NewStore(db, a.logger.Logger), rabbit, a.logger.Component("recovery"))
			report, err := sweeper.Sweep(cmd.Context(), opts)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Found %d job(s), republished %d.\n", report.Found, report.Published)
			if len(report.Failed) > 0 {
				return fmt.Errorf("failed to republish %d job(s): %v", len(report.Failed), report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&opts.QueuedAfter, "queued-after", 5*time.Minute, "Republish queued jobs untouched for this long")
	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 15*time.Minute, "Republish processing jobs whose heartbeat is older than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "Maximum number of jobs to republish")

	return cmd
}
