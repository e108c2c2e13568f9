// Package continuation implements §4.11's Continuation Queue orchestration:
// the backoff envelope and fresh-vs-existing-slot decision sitting atop
// storage.ContinuationStore's raw claim/reschedule SQL. Grounded on
// internal/engine/checkpoint.go's persist-with-backoff shape, but persisted
// to Postgres rows instead of a JSON file on disk so the Scheduler can query
// due items directly rather than replaying a checkpoint log.
package continuation

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// Store is the subset of storage.ContinuationStore the Manager needs.
type Store interface {
	Enqueue(ctx context.Context, userID, scholarProfileID, resumeCursor string, nextAttempt time.Time) (model.ContinuationQueueItem, error)
	GetActiveByScholar(ctx context.Context, scholarProfileID string) (model.ContinuationQueueItem, bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ContinuationQueueItem, error)
	Reschedule(ctx context.Context, id string, attemptCount int, nextAttempt time.Time) error
	MarkDropped(ctx context.Context, id string) error
	Clear(ctx context.Context, id string) error
}

// Config bounds the backoff envelope, §4.11.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Manager applies §4.11's slot lifecycle on top of Store.
type Manager struct {
	store Store
	cfg   Config
}

// New constructs a Manager.
func New(store Store, cfg Config) *Manager {
	return &Manager{store: store, cfg: cfg}
}

// Notify records that a scholar's walk was interrupted mid-page and should
// resume from resumeCursor. A scholar with no open slot gets a fresh one at
// attempt_count=1; an existing open slot is bumped per §4.11's exponential
// envelope, or dropped once it exceeds max_attempts. Returns the dropped
// warning text when the slot was just dropped, empty otherwise.
func (m *Manager) Notify(ctx context.Context, userID, scholarProfileID, resumeCursor string) (string, error) {
	existing, found, err := m.store.GetActiveByScholar(ctx, scholarProfileID)
	if err != nil {
		return "", fmt.Errorf("continuation: notify: %w", err)
	}

	if !found {
		next := time.Now().UTC().Add(m.cfg.BaseDelay)
		if _, err := m.store.Enqueue(ctx, userID, scholarProfileID, resumeCursor, next); err != nil {
			return "", fmt.Errorf("continuation: notify: enqueue: %w", err)
		}
		return "", nil
	}

	attempt := existing.AttemptCount + 1
	if attempt > m.cfg.MaxAttempts {
		if err := m.store.MarkDropped(ctx, existing.ID); err != nil {
			return "", fmt.Errorf("continuation: notify: drop: %w", err)
		}
		return fmt.Sprintf("continuation for scholar %s dropped after %d attempts", scholarProfileID, existing.AttemptCount), nil
	}

	next := time.Now().UTC().Add(backoffFor(m.cfg.BaseDelay, m.cfg.MaxDelay, attempt))
	if err := m.store.Reschedule(ctx, existing.ID, attempt, next); err != nil {
		return "", fmt.Errorf("continuation: notify: reschedule: %w", err)
	}
	return "", nil
}

// ClaimDue returns every continuation item due for another attempt, capped
// at limit, for the Scheduler to drain (§4.12 step 3).
func (m *Manager) ClaimDue(ctx context.Context, limit int) ([]model.ContinuationQueueItem, error) {
	items, err := m.store.ClaimDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("continuation: claim due: %w", err)
	}
	return items, nil
}

// Resolved clears a continuation slot once the resumed walk completes
// without being interrupted again.
func (m *Manager) Resolved(ctx context.Context, id string) error {
	if err := m.store.Clear(ctx, id); err != nil {
		return fmt.Errorf("continuation: resolved: %w", err)
	}
	return nil
}

// backoffFor computes base_delay * 2^(attempt-1) capped at max, per §4.11's
// "existing slot" bullet (the exponent is attempt-1, not attempt, since the
// fresh slot already consumed the first attempt at base_delay).
func backoffFor(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
