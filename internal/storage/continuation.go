package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// ContinuationStore persists §4.11's Continuation Queue.
type ContinuationStore struct {
	db *sql.DB
}

// NewContinuationStore constructs a ContinuationStore.
func NewContinuationStore(db *sql.DB) *ContinuationStore {
	return &ContinuationStore{db: db}
}

const continuationColumns = `id, user_id, scholar_profile_id, resume_cursor, attempt_count, status, next_attempt_dt`

func scanContinuation(scan func(dest ...any) error) (model.ContinuationQueueItem, error) {
	var item model.ContinuationQueueItem
	err := scan(&item.ID, &item.UserID, &item.ScholarProfileID, &item.ResumeCursor, &item.AttemptCount, &item.Status, &item.NextAttemptDT)
	return item, err
}

// Enqueue inserts a fresh continuation slot (attempt_count=1) for a scholar
// that was interrupted mid-walk (blocked or network error), due again at
// nextAttempt per §4.11's "fresh slot" bullet.
func (s *ContinuationStore) Enqueue(ctx context.Context, userID, scholarProfileID, resumeCursor string, nextAttempt time.Time) (model.ContinuationQueueItem, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO continuation_queue_items (user_id, scholar_profile_id, resume_cursor, attempt_count, status, next_attempt_dt)
		VALUES ($1, $2, $3, 1, 'queued', $4)
		RETURNING `+continuationColumns,
		userID, scholarProfileID, resumeCursor, nextAttempt,
	)
	item, err := scanContinuation(row.Scan)
	if err != nil {
		return model.ContinuationQueueItem{}, fmt.Errorf("storage: enqueue continuation: %w", err)
	}
	return item, nil
}

// ClaimDue pops every queued or retrying item whose next_attempt_dt has
// elapsed, marking it retrying so two scheduler ticks can't double-claim it.
func (s *ContinuationStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ContinuationQueueItem, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE continuation_queue_items SET status = 'retrying'
		WHERE id IN (
			SELECT id FROM continuation_queue_items
			WHERE status IN ('queued', 'retrying') AND next_attempt_dt <= $1
			ORDER BY next_attempt_dt ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+continuationColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim due continuations: %w", err)
	}
	defer rows.Close()

	var out []model.ContinuationQueueItem
	for rows.Next() {
		item, err := scanContinuation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: scan continuation: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Reschedule bumps attempt_count and pushes next_attempt_dt forward after a
// retryable failure, per the exponential backoff envelope in §4.11.
func (s *ContinuationStore) Reschedule(ctx context.Context, id string, attemptCount int, nextAttempt time.Time) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE continuation_queue_items SET attempt_count = $2, status = 'retrying', next_attempt_dt = $3
		WHERE id = $1`,
		id, attemptCount, nextAttempt,
	)
	if err != nil {
		return fmt.Errorf("storage: reschedule continuation: %w", err)
	}
	return nil
}

// MarkDropped terminates an item once attempt_count exceeds the configured
// max, per §4.11's dropped transition.
func (s *ContinuationStore) MarkDropped(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE continuation_queue_items SET status = 'dropped' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark continuation dropped: %w", err)
	}
	return nil
}

// Clear marks an item cleared once its walk completes successfully.
func (s *ContinuationStore) Clear(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE continuation_queue_items SET status = 'cleared' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: clear continuation: %w", err)
	}
	return nil
}

// GetActiveByScholar finds the still-open (queued or retrying) slot for a
// scholar, if any, so the orchestration layer can decide fresh-slot vs
// existing-slot semantics per §4.11.
func (s *ContinuationStore) GetActiveByScholar(ctx context.Context, scholarProfileID string) (model.ContinuationQueueItem, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+continuationColumns+` FROM continuation_queue_items
		WHERE scholar_profile_id = $1 AND status IN ('queued', 'retrying')`,
		scholarProfileID,
	)
	item, err := scanContinuation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ContinuationQueueItem{}, false, nil
	}
	if err != nil {
		return model.ContinuationQueueItem{}, false, fmt.Errorf("storage: get active continuation: %w", err)
	}
	return item, true, nil
}

// CountPending reports how many items are still queued or retrying, for the
// continuation queue depth gauge.
func (s *ContinuationStore) CountPending(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM continuation_queue_items WHERE status IN ('queued', 'retrying')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending continuations: %w", err)
	}
	return n, nil
}

// GetByID fetches one continuation item by id.
func (s *ContinuationStore) GetByID(ctx context.Context, id string) (model.ContinuationQueueItem, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+continuationColumns+` FROM continuation_queue_items WHERE id = $1`, id)
	item, err := scanContinuation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ContinuationQueueItem{}, fmt.Errorf("storage: get continuation: not found")
	}
	if err != nil {
		return model.ContinuationQueueItem{}, fmt.Errorf("storage: get continuation: %w", err)
	}
	return item, nil
}
