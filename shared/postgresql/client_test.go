package postgresql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewFromDB(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "u", Password: "p", Database: "songs"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=songs sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestClient_WithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			_, err := tx.Exec("UPDATE users SET credits = credits - 1")
			return err
		})

		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			return boom
		})

		require.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectBegin().WillReturnError(errors.New("conn refused"))

		err := client.WithTx(context.Background(), func(tx *sqlx.Tx) error {
			t.Fatal("fn must not run")
			return nil
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})
}

func TestClient_HealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	client := NewFromDB(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil)))

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	require.NoError(t, client.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
