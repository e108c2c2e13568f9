package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// ScholarStore persists ScholarProfile rows.
type ScholarStore struct {
	db *sql.DB
}

// NewScholarStore constructs a ScholarStore.
func NewScholarStore(db *sql.DB) *ScholarStore {
	return &ScholarStore{db: db}
}

const scholarColumns = `id, owning_user_id, scholar_id, display_name, affiliation,
	profile_image_source, profile_image_url, is_enabled, last_checked_at,
	last_outcome, last_fingerprint_head`

func scanScholar(scan func(dest ...any) error) (model.ScholarProfile, error) {
	var s model.ScholarProfile
	var lastChecked sql.NullTime
	err := scan(
		&s.ID, &s.OwningUserID, &s.ScholarID, &s.DisplayName, &s.Affiliation,
		&s.ProfileImageSource, &s.ProfileImageURL, &s.IsEnabled, &lastChecked,
		&s.LastOutcome, &s.LastFingerprintHead,
	)
	if lastChecked.Valid {
		s.LastCheckedAt = lastChecked.Time
	}
	return s, err
}

// GetByID fetches one scholar profile.
func (s *ScholarStore) GetByID(ctx context.Context, id string) (model.ScholarProfile, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+scholarColumns+` FROM scholar_profiles WHERE id = $1`, id)
	scholar, err := scanScholar(row.Scan)
	if err != nil {
		return model.ScholarProfile{}, fmt.Errorf("storage: get scholar: %w", err)
	}
	return scholar, nil
}

// CreateScholar inserts a new scholar profile for POST /api/v1/scholars.
func (s *ScholarStore) CreateScholar(ctx context.Context, profile model.ScholarProfile) (model.ScholarProfile, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	imageSource := profile.ProfileImageSource
	if imageSource == "" {
		imageSource = model.ProfileImageFallback
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scholar_profiles (owning_user_id, scholar_id, display_name, affiliation, profile_image_source, profile_image_url, is_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING `+scholarColumns,
		profile.OwningUserID, profile.ScholarID, profile.DisplayName, profile.Affiliation, imageSource, profile.ProfileImageURL,
	)
	scholar, err := scanScholar(row.Scan)
	if err != nil {
		return model.ScholarProfile{}, fmt.Errorf("storage: create scholar: %w", err)
	}
	return scholar, nil
}

// ListForUser lists every enabled scholar profile owned by a user.
func (s *ScholarStore) ListForUser(ctx context.Context, userID string) ([]model.ScholarProfile, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+scholarColumns+` FROM scholar_profiles WHERE owning_user_id = $1 AND is_enabled`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list scholars: %w", err)
	}
	defer rows.Close()

	var out []model.ScholarProfile
	for rows.Next() {
		scholar, err := scanScholar(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan scholar: %w", err)
		}
		out = append(out, scholar)
	}
	return out, rows.Err()
}

// ListDue lists scholars belonging to users with auto-run enabled whose
// last check is older than the user's configured run interval, for the
// Scheduler's due-user selection (§4.12).
func (s *ScholarStore) ListDue(ctx context.Context, now time.Time) ([]model.ScholarProfile, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("sp", scholarColumns)+`
		FROM scholar_profiles sp
		JOIN users u ON u.id = sp.owning_user_id
		WHERE sp.is_enabled AND u.is_active AND u.auto_run_enabled
		  AND (sp.last_checked_at IS NULL OR sp.last_checked_at <= $1 - (u.run_interval_minutes || ' minutes')::interval)
		ORDER BY sp.last_checked_at ASC NULLS FIRST`, now)
	if err != nil {
		return nil, fmt.Errorf("storage: list due scholars: %w", err)
	}
	defer rows.Close()

	var out []model.ScholarProfile
	for rows.Next() {
		scholar, err := scanScholar(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan due scholar: %w", err)
		}
		out = append(out, scholar)
	}
	return out, rows.Err()
}

// UpdateCheckpoint persists the outcome of a scholar's walk for this run:
// last_checked_at, last_outcome, and (when non-empty) the new head
// fingerprint that gates the next run's skip-if-unchanged short-circuit.
func (s *ScholarStore) UpdateCheckpoint(ctx context.Context, scholarID string, checkedAt time.Time, outcome model.ScholarOutcome, headFingerprint string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	if headFingerprint == "" {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scholar_profiles SET last_checked_at = $2, last_outcome = $3 WHERE id = $1`,
			scholarID, checkedAt, outcome)
		if err != nil {
			return fmt.Errorf("storage: update checkpoint: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE scholar_profiles SET last_checked_at = $2, last_outcome = $3, last_fingerprint_head = $4 WHERE id = $1`,
		scholarID, checkedAt, outcome, headFingerprint)
	if err != nil {
		return fmt.Errorf("storage: update checkpoint: %w", err)
	}
	return nil
}

// prefixColumns qualifies each comma-separated column name with alias, so a
// plain column list can be reused in both single-table and joined queries.
func prefixColumns(alias, cols string) string {
	fields := strings.Split(cols, ",")
	for i, f := range fields {
		fields[i] = alias + "." + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
