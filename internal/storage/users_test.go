package storage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/model"
)

func TestUserStoreGetByIDDecodesJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewUserStore(db)
	mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "is_admin", "is_active", "auto_run_enabled", "run_interval_minutes",
			"request_delay_seconds", "nav_visible_pages", "integration_tokens",
		}).AddRow("u1", "jane@example.test", false, true, true, 30, 3,
			[]byte(`["all","unread"]`), []byte(`{"slack":"tok"}`)))

	user, err := store.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"all", "unread"}, user.Settings.NavVisiblePages)
	require.Equal(t, "tok", user.Settings.IntegrationTokens["slack"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStoreUpdateSettingsEncodesJSON(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewUserStore(db)
	mock.ExpectExec(`UPDATE users SET auto_run_enabled`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.UpdateSettings(context.Background(), "u1", model.UserSettings{
		AutoRunEnabled:      true,
		RunIntervalMinutes:  20,
		RequestDelaySeconds: 4,
		NavVisiblePages:     []string{"all"},
		IntegrationTokens:   map[string]string{},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
