package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestScholarStoreGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewScholarStore(db)
	mock.ExpectQuery(`SELECT .* FROM scholar_profiles WHERE id = \$1`).
		WithArgs("sch-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owning_user_id", "scholar_id", "display_name", "affiliation",
			"profile_image_source", "profile_image_url", "is_enabled", "last_checked_at",
			"last_outcome", "last_fingerprint_head",
		}).AddRow("sch-1", "u1", "AbCdEfGhIjKl", "Jane Doe", "Example University",
			"scraped", "", true, nil, "", ""))

	scholar, err := store.GetByID(context.Background(), "sch-1")
	require.NoError(t, err)
	require.Equal(t, "Jane Doe", scholar.DisplayName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScholarStoreListDueQualifiesColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewScholarStore(db)
	now := time.Now()
	mock.ExpectQuery(`SELECT sp\.id, sp\.owning_user_id.* FROM scholar_profiles sp JOIN users u`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "owning_user_id", "scholar_id", "display_name", "affiliation",
			"profile_image_source", "profile_image_url", "is_enabled", "last_checked_at",
			"last_outcome", "last_fingerprint_head",
		}))

	scholars, err := store.ListDue(context.Background(), now)
	require.NoError(t, err)
	require.Empty(t, scholars)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrefixColumns(t *testing.T) {
	got := prefixColumns("sp", "id, owning_user_id,\n\tscholar_id")
	require.Equal(t, "sp.id, sp.owning_user_id, sp.scholar_id", got)
}
