package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/internal/store"
	"github.com/spf13/cobra"
)

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show the stored state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.database()
			if err != nil {
				return err
			}

			job, err := store.NewStore(db, a.logger.Logger).GetJob(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrJobNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}

			return printJob(cmd.OutOrStdout(), job)
		},
	}
}

func printJob(out io.Writer, job *domain.Job) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	mode := "-"
	if m, err := job.Request.Mode(); err == nil {
		mode = string(m.Kind())
	}

	fmt.Fprintf(w, "ID:\t%s\n", job.ID)
	fmt.Fprintf(w, "User:\t%s\n", job.UserID)
	if job.Title != "" {
		fmt.Fprintf(w, "Title:\t%s\n", job.Title)
	}
	fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	fmt.Fprintf(w, "Mode:\t%s\n", mode)
	fmt.Fprintf(w, "Debited:\t%t\n", job.CreditDebited)

	switch job.Status {
	case domain.JobStatusProcessed:
		fmt.Fprintf(w, "Audio:\t%s\n", job.AudioKey)
		fmt.Fprintf(w, "Thumbnail:\t%s\n", job.ThumbnailKey)
		fmt.Fprintf(w, "Categories:\t%s\n", strings.Join(job.Categories, ", "))
	case domain.JobStatusFailed:
		fmt.Fprintf(w, "Reason:\t%s\n", job.FailureReason)
	}

	fmt.Fprintf(w, "Created:\t%s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:\t%s\n", job.UpdatedAt.Format(time.RFC3339))

	return w.Flush()
}
