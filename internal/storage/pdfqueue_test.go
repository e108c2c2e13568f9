package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPdfQueueClaimNextNoneDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPdfQueueStore(db)
	now := time.Now()

	mock.ExpectQuery(`UPDATE pdf_queue_items SET status = 'running'`).
		WithArgs(now).
		WillReturnError(sql.ErrNoRows)

	_, found, err := store.ClaimNext(context.Background(), now)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPdfQueueMarkResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPdfQueueStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE pdf_queue_items SET status = 'resolved'`).
		WithArgs("item-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE publications SET pdf_status = 'resolved'`).
		WithArgs("pub-1", "https://example.test/paper.pdf").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.MarkResolved(context.Background(), "item-1", "pub-1", "https://example.test/paper.pdf")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPdfQueueMarkFailedTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPdfQueueStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE pdf_queue_items SET status = 'abandoned'`).
		WithArgs("item-1", 5, "not found").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE publications SET pdf_status = 'failed'`).
		WithArgs("pub-1", 5, "not found").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.MarkFailed(context.Background(), "item-1", "pub-1", 5, "not found", true, time.Time{})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
