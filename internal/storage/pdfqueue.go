package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// PdfQueueStore persists §4.9's PDF Resolution Queue.
type PdfQueueStore struct {
	db *sql.DB
}

// NewPdfQueueStore constructs a PdfQueueStore.
func NewPdfQueueStore(db *sql.DB) *PdfQueueStore {
	return &PdfQueueStore{db: db}
}

const pdfQueueColumns = `id, publication_id, status, attempt_count, next_attempt_dt, last_error`

func scanPdfQueueItem(scan func(dest ...any) error) (model.PdfQueueItem, error) {
	var item model.PdfQueueItem
	err := scan(&item.ID, &item.PublicationID, &item.Status, &item.AttemptCount, &item.NextAttemptDT, &item.LastError)
	return item, err
}

// Enqueue adds a publication to the PDF resolution queue, ignoring the call
// if it is already queued or running (idempotent re-enqueue).
func (s *PdfQueueStore) Enqueue(ctx context.Context, publicationID string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pdf_queue_items (publication_id, status, next_attempt_dt)
		SELECT $1, 'queued', now()
		WHERE NOT EXISTS (
			SELECT 1 FROM pdf_queue_items WHERE publication_id = $1 AND status IN ('queued', 'running')
		)`, publicationID)
	if err != nil {
		return fmt.Errorf("storage: enqueue pdf: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest due queued item for a worker,
// using a row-level UPDATE ... RETURNING so concurrent workers never claim
// the same row — the worker-pool counterpart to ListDue/ClaimDue.
func (s *PdfQueueStore) ClaimNext(ctx context.Context, now time.Time) (model.PdfQueueItem, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		UPDATE pdf_queue_items SET status = 'running'
		WHERE id = (
			SELECT id FROM pdf_queue_items
			WHERE status = 'queued' AND next_attempt_dt <= $1
			ORDER BY next_attempt_dt ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pdfQueueColumns,
		now,
	)
	item, err := scanPdfQueueItem(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PdfQueueItem{}, false, nil
	}
	if err != nil {
		return model.PdfQueueItem{}, false, fmt.Errorf("storage: claim next pdf item: %w", err)
	}
	return item, true, nil
}

// MarkResolved records a successful PDF resolution on both the queue item
// and the owning Publication.
func (s *PdfQueueStore) MarkResolved(ctx context.Context, id, publicationID, pdfURL string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: mark pdf resolved: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE pdf_queue_items SET status = 'resolved' WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: mark pdf resolved: queue: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE publications SET pdf_status = 'resolved', pdf_url = $2, updated_at = now() WHERE id = $1`,
		publicationID, pdfURL,
	); err != nil {
		return fmt.Errorf("storage: mark pdf resolved: publication: %w", err)
	}
	return tx.Commit()
}

// MarkFailed records a failed attempt. Terminal drops the item (abandoned)
// and stamps the Publication's pdf_status as failed; otherwise it
// reschedules the item at nextAttempt with the bumped attempt count.
func (s *PdfQueueStore) MarkFailed(ctx context.Context, id, publicationID string, attemptCount int, lastError string, terminal bool, nextAttempt time.Time) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: mark pdf failed: begin: %w", err)
	}
	defer tx.Rollback()

	if terminal {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pdf_queue_items SET status = 'abandoned', attempt_count = $2, last_error = $3 WHERE id = $1`,
			id, attemptCount, lastError,
		); err != nil {
			return fmt.Errorf("storage: mark pdf failed: queue: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE publications SET pdf_status = 'failed', pdf_attempt_count = $2, pdf_failure_reason = $3, updated_at = now() WHERE id = $1`,
			publicationID, attemptCount, lastError,
		); err != nil {
			return fmt.Errorf("storage: mark pdf failed: publication: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pdf_queue_items SET status = 'queued', attempt_count = $2, last_error = $3, next_attempt_dt = $4 WHERE id = $1`,
		id, attemptCount, lastError, nextAttempt,
	); err != nil {
		return fmt.Errorf("storage: mark pdf failed: reschedule: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE publications SET pdf_attempt_count = $2, pdf_failure_reason = $3, updated_at = now() WHERE id = $1`,
		publicationID, attemptCount, lastError,
	); err != nil {
		return fmt.Errorf("storage: mark pdf failed: publication: %w", err)
	}
	return tx.Commit()
}

// CountPending reports how many items are still queued, for the PDF
// resolution queue depth gauge.
func (s *PdfQueueStore) CountPending(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM pdf_queue_items WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending pdf queue items: %w", err)
	}
	return n, nil
}
