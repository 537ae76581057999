// Package workflow drives a song generation job from queued to a terminal
// status. Every step persists its effect before the next one runs, so
// running a job again after a crash resumes from the last stored status.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/songforge/internal/admission"
	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/internal/gateway"
)

const (
	defaultDebitAmount    = 1
	defaultPersistTimeout = 10 * time.Second
	maxReasonLength       = 500
)

// JobStore persists job state and credit balances
type JobStore interface {
	LoadRun(ctx context.Context, jobID string) (*domain.RunSnapshot, error)
	Transition(ctx context.Context, jobID string, to domain.JobStatus, reason string) error
	CommitSuccess(ctx context.Context, jobID string, result domain.GenerationResult) error
	DebitCredit(ctx context.Context, jobID string, amount int) (bool, error)
}

// Generator performs the external generation call
type Generator interface {
	Generate(ctx context.Context, endpoint gateway.Endpoint, req gateway.GenerateRequest) (*domain.GenerationResult, error)
}

// Config holds engine settings
type Config struct {
	// DebitAmount is charged once per processed job
	DebitAmount int
	// JobTimeout bounds a job's steps up to the result commit. It starts
	// once the job is admitted, so time spent waiting behind another job
	// of the same user is not charged to it. Zero means no bound.
	JobTimeout time.Duration
	// PersistTimeout bounds writes that must land even after the job
	// context is done: the result commit, the debit and the failure record.
	PersistTimeout time.Duration
}

// Engine runs jobs one step at a time under their user's admission lease
type Engine struct {
	store          JobStore
	generator      Generator
	admission      admission.Controller
	debitAmount    int
	jobTimeout     time.Duration
	persistTimeout time.Duration
	logger         *slog.Logger
}

// NewEngine creates a workflow engine
func NewEngine(store JobStore, generator Generator, controller admission.Controller, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DebitAmount <= 0 {
		cfg.DebitAmount = defaultDebitAmount
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	return &Engine{
		store:          store,
		generator:      generator,
		admission:      controller,
		debitAmount:    cfg.DebitAmount,
		jobTimeout:     cfg.JobTimeout,
		persistTimeout: cfg.PersistTimeout,
		logger:         logger,
	}
}

// Run admits the job for its user, executes its remaining steps and
// releases the lease.
//
// It returns the terminal status the job ends in. Errors are returned only
// when the job could not be settled: a domain.RetryableError means the job
// kept its last stored status and should be dispatched again (admission
// timeout, lost lease, shutdown, failure record not written);
// domain.ErrJobNotFound and domain.ErrInvalidMessage mean there is nothing
// to run.
func (e *Engine) Run(ctx context.Context, jobID, userID string) (domain.JobStatus, error) {
	lease, err := e.Admit(ctx, jobID, userID)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	return e.Execute(ctx, lease)
}

// Admit waits until no other job of userID is active and returns the lease
// for jobID. Every failure is retryable; the job is left untouched.
func (e *Engine) Admit(ctx context.Context, jobID, userID string) (*admission.Lease, error) {
	lease, err := e.admission.Admit(ctx, userID, jobID)
	if err != nil {
		e.logger.Warn("Job not admitted",
			slog.String("job_id", jobID),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return nil, domain.NewRetryableError(fmt.Errorf("admission: %w", err))
	}

	e.logger.Debug("Job admitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)
	return lease, nil
}

// Execute runs the job named by lease under the job timeout. The caller
// keeps ownership of the lease and releases it afterwards. Results are the
// same as for Run.
func (e *Engine) Execute(ctx context.Context, lease *admission.Lease) (domain.JobStatus, error) {
	jobID, userID := lease.JobID, lease.UserID
	logger := e.logger.With(
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)

	// The lease may have sat idle between admission and execution
	if !lease.Renew() {
		logger.Warn("Admission lease lost before execution")
		return "", domain.NewRetryableError(domain.ErrLeaseLost)
	}

	runCtx, cancel := e.runContext(ctx)
	defer cancel()

	status, err := e.execute(runCtx, jobID, userID, logger)
	if err == nil {
		logger.Info("Job settled",
			slog.String("status", string(status)),
		)
		return status, nil
	}

	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("Job interrupted, keeping last stored status",
			slog.Any("error", err),
		)
		return "", domain.NewRetryableError(err)
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrInvalidMessage):
		logger.Error("Job cannot be run",
			slog.Any("error", err),
		)
		return "", err
	}

	return e.HandleFailure(ctx, jobID, err)
}

// HandleFailure records cause on the job and moves it to failed. A job that
// is already processed and debited keeps its status. The write ignores
// cancellation of ctx.
func (e *Engine) HandleFailure(ctx context.Context, jobID string, cause error) (domain.JobStatus, error) {
	persistCtx, cancel := e.persistContext(ctx)
	defer cancel()

	reason := failureReason(cause)
	err := e.store.Transition(persistCtx, jobID, domain.JobStatusFailed, reason)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.logger.Warn("Failure not recorded, job already settled",
				slog.String("job_id", jobID),
				slog.String("cause", reason),
				slog.Any("error", err),
			)
			return "", nil
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			return "", err
		}

		e.logger.Error("Failed to record job failure",
			slog.String("job_id", jobID),
			slog.String("cause", reason),
			slog.Any("error", err),
		)
		return "", domain.NewRetryableError(fmt.Errorf("failed to record job failure: %w", err))
	}

	e.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	return domain.JobStatusFailed, nil
}

func (e *Engine) execute(ctx context.Context, jobID, userID string, logger *slog.Logger) (domain.JobStatus, error) {
	// Load job
	if err := ctx.Err(); err != nil {
		return "", err
	}
	run, err := e.store.LoadRun(ctx, jobID)
	if err != nil {
		return "", err
	}
	job := run.Job

	if job.UserID != userID {
		return "", fmt.Errorf("%w: job belongs to user %s", domain.ErrInvalidMessage, job.UserID)
	}

	switch job.Status {
	case domain.JobStatusProcessed:
		if job.CreditDebited {
			return domain.JobStatusProcessed, nil
		}
		logger.Info("Resuming processed job at debit")
		return e.debit(ctx, jobID, logger)
	case domain.JobStatusFailed, domain.JobStatusNoCredits:
		return job.Status, nil
	}

	mode, err := job.Request.Mode()
	if err != nil {
		return "", fmt.Errorf("configuration error: %w", err)
	}
	endpoint, req, err := gateway.NewRequest(mode, job.Params)
	if err != nil {
		return "", fmt.Errorf("configuration error: %w", err)
	}

	// Gate on credits
	if job.Status == domain.JobStatusQueued && run.Credits <= 0 {
		if err := e.store.Transition(ctx, jobID, domain.JobStatusNoCredits, ""); err != nil {
			return "", err
		}
		logger.Info("Job stopped, user has no credits",
			slog.Int("credits", run.Credits),
		)
		return domain.JobStatusNoCredits, nil
	}

	// Mark processing
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if job.Status == domain.JobStatusQueued {
		if err := e.store.Transition(ctx, jobID, domain.JobStatusProcessing, ""); err != nil {
			return "", err
		}
	}

	// Invoke gateway
	if err := ctx.Err(); err != nil {
		return "", err
	}
	logger.Info("Invoking gateway",
		slog.String("endpoint", string(endpoint)),
		slog.String("mode", string(mode.Kind())),
	)
	result, err := e.generator.Generate(ctx, endpoint, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("gateway failure: %w", err)
	}

	// The result is in hand; commit it even if ctx ends now so the gateway
	// is not called again on replay.
	persistCtx, cancel := e.persistContext(ctx)
	defer cancel()

	// Commit result
	if err := e.store.CommitSuccess(persistCtx, jobID, *result); err != nil {
		return "", fmt.Errorf("commit result: %w", err)
	}
	logger.Info("Job result committed",
		slog.String("audio_key", result.AudioKey),
		slog.Int("categories", len(result.Categories)),
	)

	return e.debit(persistCtx, jobID, logger)
}

// debit charges the user for a processed job at most once
func (e *Engine) debit(ctx context.Context, jobID string, logger *slog.Logger) (domain.JobStatus, error) {
	debited, err := e.store.DebitCredit(ctx, jobID, e.debitAmount)
	if err != nil {
		if errors.Is(err, domain.ErrCreditRaceLost) {
			return "", err
		}
		return "", fmt.Errorf("debit credit: %w", err)
	}

	if !debited {
		logger.Info("Credit already debited")
	}
	return domain.JobStatusProcessed, nil
}

func (e *Engine) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.jobTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.jobTimeout)
}

func (e *Engine) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
}

func failureReason(err error) string {
	if err == nil {
		return "unknown failure"
	}
	// text columns reject NUL and invalid UTF-8, both of which gateway bodies may carry
	reason := strings.ToValidUTF8(strings.ReplaceAll(err.Error(), "\x00", ""), "?")
	if len(reason) <= maxReasonLength {
		return reason
	}
	n := maxReasonLength
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
