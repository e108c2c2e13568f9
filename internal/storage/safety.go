package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// SafetyStore persists §4.10's per-user SafetyState.
type SafetyStore struct {
	db *sql.DB
}

// NewSafetyStore constructs a SafetyStore.
func NewSafetyStore(db *sql.DB) *SafetyStore {
	return &SafetyStore{db: db}
}

// GetState fetches a user's safety state, creating the zero-value row on
// first access so callers never have to special-case "no row yet". An
// elapsed cooldown_until is cleared lazily here rather than waiting for the
// next Evaluate, since Evaluate only ever runs after an admitted run and a
// cooled-down user's runs are never admitted — without this, a user whose
// cooldown has expired would stay refused forever.
func (s *SafetyStore) GetState(ctx context.Context, userID string) (model.SafetyState, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	state, err := s.scanState(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO safety_states (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
		if err != nil {
			return model.SafetyState{}, fmt.Errorf("storage: get safety state: seed: %w", err)
		}
		state, err = s.scanState(ctx, userID)
		if err != nil {
			return model.SafetyState{}, fmt.Errorf("storage: get safety state: reload: %w", err)
		}
	} else if err != nil {
		return model.SafetyState{}, fmt.Errorf("storage: get safety state: %w", err)
	}

	if state.CooldownActive && state.CooldownUntil != nil && !state.CooldownUntil.After(time.Now().UTC()) {
		state.CooldownActive = false
		state.CooldownReason = model.CooldownNone
		state.CooldownUntil = nil
		if err := s.UpdateState(ctx, state); err != nil {
			return model.SafetyState{}, fmt.Errorf("storage: get safety state: clear expired cooldown: %w", err)
		}
	}

	return state, nil
}

func (s *SafetyStore) scanState(ctx context.Context, userID string) (model.SafetyState, error) {
	var state model.SafetyState
	var cooldownUntil sql.NullTime
	var lastRunID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, cooldown_active, cooldown_reason, cooldown_until,
			consecutive_blocked_runs, consecutive_network_runs, cooldown_entry_count,
			blocked_start_count, last_evaluated_run_id
		FROM safety_states WHERE user_id = $1`, userID,
	).Scan(
		&state.UserID, &state.CooldownActive, &state.CooldownReason, &cooldownUntil,
		&state.Counters.ConsecutiveBlockedRuns, &state.Counters.ConsecutiveNetworkRuns, &state.Counters.CooldownEntryCount,
		&state.Counters.BlockedStartCount, &lastRunID,
	)
	if err != nil {
		return model.SafetyState{}, err
	}
	if cooldownUntil.Valid {
		state.CooldownUntil = &cooldownUntil.Time
	}
	if lastRunID.Valid {
		state.Counters.LastEvaluatedRunID = lastRunID.String
	}
	return state, nil
}

// UpdateState persists a new evaluated SafetyState, called once per run by
// the Safety Controller after observing that run's scholar outcomes, and by
// GetState when it clears an elapsed cooldown.
func (s *SafetyStore) UpdateState(ctx context.Context, state model.SafetyState) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var cooldownUntil any
	if state.CooldownUntil != nil {
		cooldownUntil = *state.CooldownUntil
	}
	var lastRunID any
	if state.Counters.LastEvaluatedRunID != "" {
		lastRunID = state.Counters.LastEvaluatedRunID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safety_states (user_id, cooldown_active, cooldown_reason, cooldown_until,
			consecutive_blocked_runs, consecutive_network_runs, cooldown_entry_count,
			blocked_start_count, last_evaluated_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			cooldown_active = EXCLUDED.cooldown_active,
			cooldown_reason = EXCLUDED.cooldown_reason,
			cooldown_until = EXCLUDED.cooldown_until,
			consecutive_blocked_runs = EXCLUDED.consecutive_blocked_runs,
			consecutive_network_runs = EXCLUDED.consecutive_network_runs,
			cooldown_entry_count = EXCLUDED.cooldown_entry_count,
			blocked_start_count = EXCLUDED.blocked_start_count,
			last_evaluated_run_id = EXCLUDED.last_evaluated_run_id`,
		state.UserID, state.CooldownActive, state.CooldownReason, cooldownUntil,
		state.Counters.ConsecutiveBlockedRuns, state.Counters.ConsecutiveNetworkRuns, state.Counters.CooldownEntryCount,
		state.Counters.BlockedStartCount, lastRunID,
	)
	if err != nil {
		return fmt.Errorf("storage: update safety state: %w", err)
	}
	return nil
}

// ActiveCooldowns lists every user currently under an unexpired cooldown.
// The Scheduler does not call it; cooldowns are enforced per run by the
// Safety Controller's Admit.
func (s *SafetyStore) ActiveCooldowns(ctx context.Context, now time.Time) (map[string]bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM safety_states WHERE cooldown_active AND (cooldown_until IS NULL OR cooldown_until > $1)`, now)
	if err != nil {
		return nil, fmt.Errorf("storage: active cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("storage: scan active cooldown: %w", err)
		}
		out[userID] = true
	}
	return out, rows.Err()
}
