package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/songforge/internal/domain"
	"github.com/cuongbtq/songforge/shared/postgresql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJobID  = "6f1c2a43-5c1e-4d0b-9b55-1f4a7c8e2d10"
	testUserID = "0b7f6c2e-2f0a-4a0e-8d0c-3e5b9a7c1f22"
)

var jobColumnNames = []string{
	"id", "user_id", "title", "status",
	"prompt", "lyrics", "full_described_song", "described_lyrics",
	"instrumental", "guidance_scale", "infer_step", "audio_duration", "seed",
	"audio_key", "thumbnail_key", "credit_debited", "failure_reason",
	"created_at", "updated_at", "categories",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := postgresql.NewFromDB(sqlx.NewDb(db, "postgres"), logger)
	return NewStore(client, logger), mock
}

func jobRowValues(status string, created time.Time) []driver.Value {
	return []driver.Value{
		testJobID, testUserID, "Night drive", status,
		nil, nil, "synthwave about a night drive", nil,
		true, 7.5, nil, 180.0, nil,
		"songs/a.wav", "covers/a.png", false, "",
		created, created, []byte("{retro,synthwave}"),
	}
}

func TestStore_CreateJob(t *testing.T) {
	now := time.Now()
	job := &domain.Job{
		ID:        testJobID,
		UserID:    testUserID,
		Title:     "Night drive",
		Status:    domain.JobStatusQueued,
		Request:   domain.RequestFields{Prompt: "lofi", Lyrics: "[verse]\nhello"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.Run("inserts queued job", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO jobs").
			WithArgs(testJobID, testUserID, "Night drive", "queued",
				"lofi", "[verse]\nhello", nil, nil,
				nil, nil, nil, nil, nil,
				now, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.CreateJob(context.Background(), job))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO jobs").
			WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})

		err := s.CreateJob(context.Background(), job)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("other database error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("connection reset"))

		err := s.CreateJob(context.Background(), job)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrUserNotFound)
		assert.Contains(t, err.Error(), "failed to create job")
	})
}

func TestStore_GetJob(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("maps row", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("FROM jobs j WHERE j.id = \\$1").
			WithArgs(testJobID).
			WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRowValues("processed", created)...))

		job, err := s.GetJob(context.Background(), testJobID)
		require.NoError(t, err)

		assert.Equal(t, domain.JobStatusProcessed, job.Status)
		assert.Equal(t, "synthwave about a night drive", job.Request.FullDescribedSong)
		assert.Empty(t, job.Request.Prompt)
		require.NotNil(t, job.Params.Instrumental)
		assert.True(t, *job.Params.Instrumental)
		require.NotNil(t, job.Params.GuidanceScale)
		assert.Equal(t, 7.5, *job.Params.GuidanceScale)
		assert.Nil(t, job.Params.InferStep)
		assert.Nil(t, job.Params.Seed)
		assert.Equal(t, "songs/a.wav", job.AudioKey)
		assert.Equal(t, []string{"retro", "synthwave"}, job.Categories)
		assert.Equal(t, created, job.CreatedAt)
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("FROM jobs j").WillReturnRows(sqlmock.NewRows(jobColumnNames))

		_, err := s.GetJob(context.Background(), testJobID)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_ListJobs(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("first page", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("WHERE j.user_id = \\$1 ORDER BY j.created_at DESC, j.id DESC LIMIT \\$2").
			WithArgs(testUserID, 11).
			WillReturnRows(sqlmock.NewRows(jobColumnNames).AddRow(jobRowValues("queued", created)...))

		jobs, err := s.ListJobs(context.Background(), JobFilter{UserID: testUserID, PageSize: 10})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, testJobID, jobs[0].ID)
	})

	t.Run("after cursor", func(t *testing.T) {
		s, mock := newMockStore(t)
		cursor := &JobCursor{CreatedAt: created, JobID: testJobID}
		mock.ExpectQuery("\\(j.created_at, j.id\\) < \\(\\$2, \\$3\\)").
			WithArgs(testUserID, created, testJobID, 6).
			WillReturnRows(sqlmock.NewRows(jobColumnNames))

		jobs, err := s.ListJobs(context.Background(), JobFilter{UserID: testUserID, PageSize: 5, Cursor: cursor})
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_LoadRun(t *testing.T) {
	s, mock := newMockStore(t)
	columns := append(append([]string{}, jobColumnNames...), "credits")
	values := append(jobRowValues("queued", time.Now()), 3)

	mock.ExpectQuery("JOIN users u ON u.id = j.user_id").
		WithArgs(testJobID).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(values...))

	run, err := s.LoadRun(context.Background(), testJobID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Credits)
	assert.Equal(t, domain.JobStatusQueued, run.Job.Status)
}

func TestStore_Transition(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs").
			WithArgs(testJobID, "processing", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Transition(context.Background(), testJobID, domain.JobStatusProcessing, ""))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed guards debited jobs", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("AND NOT credit_debited").
			WithArgs(testJobID, "failed", "gateway rejected", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Transition(context.Background(), testJobID, domain.JobStatusFailed, "gateway rejected"))
	})

	t.Run("rejected from current status", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status, credit_debited FROM jobs").
			WithArgs(testJobID).
			WillReturnRows(sqlmock.NewRows([]string{"status", "credit_debited"}).AddRow("failed", false))

		err := s.Transition(context.Background(), testJobID, domain.JobStatusProcessing, "")
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Contains(t, err.Error(), "failed -> processing")
	})

	t.Run("missing job", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status, credit_debited FROM jobs").
			WillReturnRows(sqlmock.NewRows([]string{"status", "credit_debited"}))

		err := s.Transition(context.Background(), testJobID, domain.JobStatusProcessing, "")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestStore_CommitSuccess(t *testing.T) {
	result := domain.GenerationResult{
		AudioKey:     "songs/a.wav",
		ThumbnailKey: "covers/a.png",
		Categories:   []string{"lofi", " chill ", "lofi", ""},
	}

	t.Run("stores result and categories", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").
			WithArgs(testJobID, "songs/a.wav", "covers/a.png", "processed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO categories").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("INSERT INTO job_categories").
			WithArgs(testJobID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, s.CommitSuccess(context.Background(), testJobID, result))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no categories", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.CommitSuccess(context.Background(), testJobID, domain.GenerationResult{AudioKey: "k"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("category failure rolls back", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE jobs").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO categories").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := s.CommitSuccess(context.Background(), testJobID, result)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to upsert categories")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_DebitCredit(t *testing.T) {
	t.Run("debits once", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET credit_debited = TRUE").
			WithArgs(testJobID, "processed").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE users u").
			WithArgs(testJobID, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		debited, err := s.DebitCredit(context.Background(), testJobID, 1)
		require.NoError(t, err)
		assert.True(t, debited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already debited", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET credit_debited = TRUE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT credit_debited FROM jobs").
			WithArgs(testJobID).
			WillReturnRows(sqlmock.NewRows([]string{"credit_debited"}).AddRow(true))
		mock.ExpectCommit()

		debited, err := s.DebitCredit(context.Background(), testJobID, 1)
		require.NoError(t, err)
		assert.False(t, debited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("job not processed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET credit_debited = TRUE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT credit_debited FROM jobs").
			WillReturnRows(sqlmock.NewRows([]string{"credit_debited"}).AddRow(false))
		mock.ExpectRollback()

		_, err := s.DebitCredit(context.Background(), testJobID, 1)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("balance drained concurrently", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("SET credit_debited = TRUE").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE users u").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		debited, err := s.DebitCredit(context.Background(), testJobID, 1)
		require.ErrorIs(t, err, domain.ErrCreditRaceLost)
		assert.False(t, debited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_UpdateJobHeartbeat(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("SET last_heartbeat_at = NOW\\(\\)").
		WithArgs(testJobID, "queued", "processing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.UpdateJobHeartbeat(context.Background(), testJobID))
}

func TestStore_ListRecoverable(t *testing.T) {
	s, mock := newMockStore(t)
	queuedBefore := time.Now().Add(-time.Hour)
	staleBefore := time.Now().Add(-10 * time.Minute)

	mock.ExpectQuery("SELECT id, user_id, status").
		WithArgs(queuedBefore, staleBefore, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status"}).
			AddRow(testJobID, testUserID, "processing"))

	jobs, err := s.ListRecoverable(context.Background(), queuedBefore, staleBefore, 100)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, RecoverableJob{ID: testJobID, UserID: testUserID, Status: "processing"}, jobs[0])
}
