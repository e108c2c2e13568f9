package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestContinuationEnqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContinuationStore(db)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO continuation_queue_items`).
		WithArgs("u1", "sch-1", "page:3", now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "scholar_profile_id", "resume_cursor", "attempt_count", "status", "next_attempt_dt",
		}).AddRow("cont-1", "u1", "sch-1", "page:3", 1, "queued", now))

	item, err := store.Enqueue(context.Background(), "u1", "sch-1", "page:3", now)
	require.NoError(t, err)
	require.Equal(t, "cont-1", item.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContinuationClaimDue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContinuationStore(db)
	now := time.Now()

	mock.ExpectQuery(`UPDATE continuation_queue_items SET status = 'retrying'`).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "scholar_profile_id", "resume_cursor", "attempt_count", "status", "next_attempt_dt",
		}).AddRow("cont-1", "u1", "sch-1", "page:3", 1, "retrying", now))

	items, err := store.ClaimDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContinuationGetActiveByScholarNoneFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContinuationStore(db)
	mock.ExpectQuery(`SELECT .* FROM continuation_queue_items`).
		WithArgs("sch-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "scholar_profile_id", "resume_cursor", "attempt_count", "status", "next_attempt_dt",
		}))

	_, found, err := store.GetActiveByScholar(context.Background(), "sch-1")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContinuationMarkDropped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewContinuationStore(db)
	mock.ExpectExec(`UPDATE continuation_queue_items SET status = 'dropped'`).
		WithArgs("cont-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkDropped(context.Background(), "cont-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
