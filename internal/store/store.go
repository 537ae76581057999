package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// foreignKeyViolation is the PostgreSQL SQLSTATE for a missing referenced row
const foreignKeyViolation = "23503"

// Store handles all database operations on jobs, categories and credits
type Store struct {
	client *postgresql.Client
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(client *postgresql.Client, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		db:     client.GetDB(),
		logger: logger,
	}
}

// CreateJob inserts a queued job
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			id, user_id, title, status,
			prompt, lyrics, full_described_song, described_lyrics,
			instrumental, guidance_scale, infer_step, audio_duration, seed,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.Title,
		string(job.Status),
		nullString(job.Request.Prompt),
		nullString(job.Request.Lyrics),
		nullString(job.Request.FullDescribedSong),
		nullString(job.Request.DescribedLyrics),
		nullBool(job.Params.Instrumental),
		nullFloat(job.Params.GuidanceScale),
		nullInt32(job.Params.InferStep),
		nullFloat(job.Params.AudioDuration),
		nullInt64(job.Params.Seed),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return domain.ErrUserNotFound
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job and its categories by id
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j WHERE j.id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// JobFilter narrows ListJobs to one owner with keyset pagination
type JobFilter struct {
	UserID   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the position after which the next page starts
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs of a user, newest first. The extra
// row tells the caller whether another page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j WHERE j.user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (j.created_at, j.id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY j.created_at DESC, j.id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, len(rows))
	for i := range rows {
		jobs[i] = *rows[i].toDomain()
	}
	return jobs, nil
}

// LoadRun reads the job and the owner's credit balance in one statement
func (s *Store) LoadRun(ctx context.Context, jobID string) (*domain.RunSnapshot, error) {
	query := `SELECT ` + jobColumns + `, u.credits
		FROM jobs j
		JOIN users u ON u.id = j.user_id
		WHERE j.id = $1`

	var row runRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job run: %w", err)
	}

	return &domain.RunSnapshot{Job: *row.jobRow.toDomain(), Credits: row.Credits}, nil
}

// Transition writes status `to` if the job's current status allows it. A
// job that is processed and already debited is never demoted to failed.
func (s *Store) Transition(ctx context.Context, jobID string, to domain.JobStatus, reason string) error {
	query := `
		UPDATE jobs
		SET status = $2,
			failure_reason = $3,
			updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($4)
	`
	if to == domain.JobStatusFailed {
		query += " AND NOT credit_debited"
	}

	result, err := s.db.ExecContext(ctx, query, jobID, string(to), reason, pq.Array(domain.SourcesForSQL(to)))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return s.transitionError(ctx, s.db, jobID, to)
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(to)),
	)
	return nil
}

// transitionError explains why a conditional status write matched no row
func (s *Store) transitionError(ctx context.Context, q sqlx.QueryerContext, jobID string, to domain.JobStatus) error {
	var current struct {
		Status        string `db:"status"`
		CreditDebited bool   `db:"credit_debited"`
	}
	err := sqlx.GetContext(ctx, q, &current, `SELECT status, credit_debited FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to read job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s (credit_debited=%t)", domain.ErrInvalidTransition, current.Status, to, current.CreditDebited)
}

// CommitSuccess stores the generation result, marks the job processed and
// associates its categories, creating missing ones, in one transaction.
func (s *Store) CommitSuccess(ctx context.Context, jobID string, result domain.GenerationResult) error {
	categories := domain.NormalizeCategories(result.Categories)

	return s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET audio_key = $2,
				thumbnail_key = $3,
				status = $4,
				failure_reason = '',
				updated_at = NOW()
			WHERE id = $1
			  AND status = ANY($5)
		`, jobID, result.AudioKey, result.ThumbnailKey, string(domain.JobStatusProcessed),
			pq.Array(domain.SourcesForSQL(domain.JobStatusProcessed)))
		if err != nil {
			return fmt.Errorf("failed to store job result: %w", err)
		}

		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return s.transitionError(ctx, tx, jobID, domain.JobStatusProcessed)
		}

		if len(categories) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO categories (name)
			SELECT unnest($1::text[])
			ON CONFLICT (name) DO NOTHING
		`, pq.Array(categories)); err != nil {
			return fmt.Errorf("failed to upsert categories: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_categories (job_id, category_id)
			SELECT $1, id FROM categories WHERE name = ANY($2::text[])
			ON CONFLICT DO NOTHING
		`, jobID, pq.Array(categories)); err != nil {
			return fmt.Errorf("failed to associate categories: %w", err)
		}

		return nil
	})
}

// DebitCredit charges the job's owner exactly once. The per-job debit flag
// and the conditional decrement commit together; it returns false when the
// job was already debited and domain.ErrCreditRaceLost when the balance no
// longer covers amount.
func (s *Store) DebitCredit(ctx context.Context, jobID string, amount int) (bool, error) {
	debited := false

	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET credit_debited = TRUE,
				updated_at = NOW()
			WHERE id = $1
			  AND status = $2
			  AND NOT credit_debited
		`, jobID, string(domain.JobStatusProcessed))
		if err != nil {
			return fmt.Errorf("failed to flag job debit: %w", err)
		}

		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			var alreadyDebited bool
			err := tx.GetContext(ctx, &alreadyDebited, `SELECT credit_debited FROM jobs WHERE id = $1`, jobID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return domain.ErrJobNotFound
				}
				return fmt.Errorf("failed to read job debit flag: %w", err)
			}
			if alreadyDebited {
				return nil
			}
			return fmt.Errorf("%w: debit requires a processed job", domain.ErrInvalidTransition)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE users u
			SET credits = u.credits - $2,
				updated_at = NOW()
			FROM jobs j
			WHERE j.id = $1
			  AND u.id = j.user_id
			  AND u.credits >= $2
		`, jobID, amount)
		if err != nil {
			return fmt.Errorf("failed to debit credits: %w", err)
		}

		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return domain.ErrCreditRaceLost
		}

		debited = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if debited {
		s.logger.Info("Credits debited",
			slog.String("job_id", jobID),
			slog.Int("amount", amount),
		)
	}
	return debited, nil
}

// UpdateJobHeartbeat stamps last_heartbeat_at for a job a worker is holding
func (s *Store) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW()
		WHERE id = $1 AND status IN ($2, $3)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, string(domain.JobStatusQueued), string(domain.JobStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Job heartbeat update - no rows affected (job may be terminal)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// RecoverableJob identifies a job whose dispatch should be replayed
type RecoverableJob struct {
	ID     string `db:"id"`
	UserID string `db:"user_id"`
	Status string `db:"status"`
}

// ListRecoverable finds jobs that no worker appears to own: queued jobs not
// touched since queuedBefore, processing jobs whose heartbeat is older than
// staleBefore, and processed jobs still waiting for their debit.
func (s *Store) ListRecoverable(ctx context.Context, queuedBefore, staleBefore time.Time, limit int) ([]RecoverableJob, error) {
	query := `
		SELECT id, user_id, status
		FROM jobs
		WHERE (status = 'queued' AND COALESCE(last_heartbeat_at, updated_at) < $1)
		   OR (status = 'processing' AND COALESCE(last_heartbeat_at, updated_at) < $2)
		   OR (status = 'processed' AND NOT credit_debited AND updated_at < $2)
		ORDER BY created_at
		LIMIT $3
	`

	var jobs []RecoverableJob
	if err := s.db.SelectContext(ctx, &jobs, query, queuedBefore, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list recoverable jobs: %w", err)
	}
	return jobs, nil
}

// Ping checks the database for the health endpoint
func (s *Store) Ping(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
