package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/model"
)

// UserStore persists the User entity.
type UserStore struct {
	db *sql.DB
}

// NewUserStore constructs a UserStore.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scan func(dest ...any) error) (model.User, error) {
	var u model.User
	var navJSON, tokensJSON []byte
	err := scan(
		&u.ID, &u.Email, &u.IsAdmin, &u.IsActive,
		&u.Settings.AutoRunEnabled, &u.Settings.RunIntervalMinutes, &u.Settings.RequestDelaySeconds,
		&navJSON, &tokensJSON,
	)
	if err != nil {
		return model.User{}, err
	}
	if len(navJSON) > 0 {
		if err := json.Unmarshal(navJSON, &u.Settings.NavVisiblePages); err != nil {
			return model.User{}, fmt.Errorf("storage: decode nav_visible_pages: %w", err)
		}
	}
	if len(tokensJSON) > 0 {
		if err := json.Unmarshal(tokensJSON, &u.Settings.IntegrationTokens); err != nil {
			return model.User{}, fmt.Errorf("storage: decode integration_tokens: %w", err)
		}
	}
	return u, nil
}

const userColumns = `id, email, is_admin, is_active, auto_run_enabled, run_interval_minutes, request_delay_seconds, nav_visible_pages, integration_tokens`

// GetByID fetches one user.
func (s *UserStore) GetByID(ctx context.Context, id string) (model.User, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, apperrors.New(apperrors.KindNotFound, "user not found")
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return user, nil
}

// ListActiveUsers lists every active user. The Scheduler's tick loop does
// not call it; it selects due scholars directly via ScholarStore.ListDue.
func (s *UserStore) ListActiveUsers(ctx context.Context) ([]model.User, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active users: %w", err)
	}
	defer rows.Close()

	var out []model.User
	for rows.Next() {
		user, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan user: %w", err)
		}
		out = append(out, user)
	}
	return out, rows.Err()
}

// UpdateSettings persists a user's §6 /settings PUT. Callers are expected
// to have already clamped delays/intervals via config.Policy before calling.
func (s *UserStore) UpdateSettings(ctx context.Context, userID string, settings model.UserSettings) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	navJSON, err := json.Marshal(settings.NavVisiblePages)
	if err != nil {
		return fmt.Errorf("storage: encode nav_visible_pages: %w", err)
	}
	tokensJSON, err := json.Marshal(settings.IntegrationTokens)
	if err != nil {
		return fmt.Errorf("storage: encode integration_tokens: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET auto_run_enabled = $2, run_interval_minutes = $3, request_delay_seconds = $4,
			nav_visible_pages = $5, integration_tokens = $6
		WHERE id = $1`,
		userID, settings.AutoRunEnabled, settings.RunIntervalMinutes, settings.RequestDelaySeconds,
		navJSON, tokensJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: update settings: %w", err)
	}
	return nil
}
