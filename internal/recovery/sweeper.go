// Package recovery republishes jobs that lost their worker
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/internal/store"
)

const defaultLimit = 100

// JobLister finds jobs no worker owns; implemented by store.Store
type JobLister interface {
	ListRecoverable(ctx context.Context, queuedBefore, staleBefore time.Time, limit int) ([]store.RecoverableJob, error)
}

// Publisher sends job submitted messages; implemented by rabbitmq.Client
type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// Options bounds a single sweep
type Options struct {
	// QueuedAfter is how long a queued job may sit untouched
	QueuedAfter time.Duration
	// StaleAfter is how old a processing job's heartbeat may get
	StaleAfter time.Duration
	Limit      int
}

// Report summarizes a sweep
type Report struct {
	Found     int
	Published int
	Failed    []string
}

// Sweeper republishes recoverable jobs onto the dispatch queue. Replaying a
// job is safe because the engine resumes from its stored status.
type Sweeper struct {
	jobs      JobLister
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a new Sweeper
func NewSweeper(jobs JobLister, publisher Publisher, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		jobs:      jobs,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Sweep lists recoverable jobs and republishes each one. A failed publish is
// recorded in the report and does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (*Report, error) {
	if opts.QueuedAfter <= 0 || opts.StaleAfter <= 0 {
		return nil, fmt.Errorf("queued-after and stale-after must be greater than 0")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	now := s.now()
	jobs, err := s.jobs.ListRecoverable(ctx, now.Add(-opts.QueuedAfter), now.Add(-opts.StaleAfter), limit)
	if err != nil {
		return nil, err
	}

	report := &Report{Found: len(jobs)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		msg := domain.SubmittedMessage{JobID: job.ID, UserID: job.UserID}
		if err := s.publisher.PublishJSON(ctx, msg); err != nil {
			s.logger.Error("Failed to republish job",
				slog.String("job_id", job.ID),
				slog.String("status", job.Status),
				slog.Any("error", err),
			)
			report.Failed = append(report.Failed, job.ID)
			continue
		}

		s.logger.Info("Job republished",
			slog.String("job_id", job.ID),
			slog.String("status", job.Status),
		)
		report.Published++
	}

	return report, nil
}
