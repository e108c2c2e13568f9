package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/model"
)

func TestCreateRunRefusesWhenActiveRunExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewRunStore(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM runs`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err = store.CreateRun(context.Background(), "u1", model.TriggerManual)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunInsertsWhenNoActiveRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewRunStore(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\) FROM runs`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO runs`).
		WithArgs("u1", model.TriggerManual).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "trigger", "status", "start_dt", "end_dt",
			"scholar_count", "new_publication_count", "failed_count", "partial_count", "cancel_requested",
		}).AddRow("run-1", "u1", "manual", "pending", now, nil, 0, 0, 0, 0, false))
	mock.ExpectCommit()

	run, err := store.CreateRun(context.Background(), "u1", model.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, "run-1", run.ID)
	require.Nil(t, run.EndDT)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordScholarResultCountsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewRunStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO run_scholar_results`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET scholar_count`).
		WithArgs("run-1", 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = store.RecordScholarResult(context.Background(), model.RunScholarResult{
		RunID: "run-1", ScholarProfileID: "sch-1", Outcome: model.OutcomeBlocked,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWarningsJSONEscapesQuotes(t *testing.T) {
	got := warningsJSON([]string{`a "quoted" warning`})
	require.Equal(t, `["a \"quoted\" warning"]`, got)
}
