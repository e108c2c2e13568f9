package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/model"
)

// RunStore persists Run and RunScholarResult rows.
type RunStore struct {
	db *sql.DB
}

// NewRunStore constructs a RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a new Run in status "pending", refusing if the user
// already has a non-terminal run — §7's conflict_in_progress.
func (s *RunStore) CreateRun(ctx context.Context, userID string, trigger model.RunTrigger) (model.Run, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: begin: %w", err)
	}
	defer tx.Rollback()

	var activeCount int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM runs
		WHERE user_id = $1 AND status NOT IN ('success', 'partial_failure', 'failed', 'cancelled')`,
		userID,
	).Scan(&activeCount)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: check active: %w", err)
	}
	if activeCount > 0 {
		return model.Run{}, apperrors.ErrRunInProgress
	}

	var run model.Run
	row := tx.QueryRowContext(ctx, `
		INSERT INTO runs (user_id, trigger, status) VALUES ($1, $2, 'pending')
		RETURNING id, user_id, trigger, status, start_dt, end_dt, scholar_count, new_publication_count, failed_count, partial_count, cancel_requested`,
		userID, trigger,
	)
	if err := scanRun(row, &run); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: scan: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: commit: %w", err)
	}
	return run, nil
}

func scanRun(row *sql.Row, run *model.Run) error {
	var end sql.NullTime
	err := row.Scan(
		&run.ID, &run.UserID, &run.Trigger, &run.Status, &run.StartDT, &end,
		&run.ScholarCount, &run.NewPublicationCount, &run.FailedCount, &run.PartialCount, &run.CancelRequested,
	)
	if end.Valid {
		run.EndDT = &end.Time
	}
	return err
}

// GetRun fetches one run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, trigger, status, start_dt, end_dt, scholar_count, new_publication_count, failed_count, partial_count, cancel_requested
		FROM runs WHERE id = $1`, id)
	var run model.Run
	if err := scanRun(row, &run); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, apperrors.New(apperrors.KindNotFound, "run not found")
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns lists a user's runs, most recent first.
func (s *RunStore) ListRuns(ctx context.Context, userID string, limit int) ([]model.Run, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, trigger, status, start_dt, end_dt, scholar_count, new_publication_count, failed_count, partial_count, cancel_requested
		FROM runs WHERE user_id = $1 ORDER BY start_dt DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var run model.Run
		var end sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.UserID, &run.Trigger, &run.Status, &run.StartDT, &end,
			&run.ScholarCount, &run.NewPublicationCount, &run.FailedCount, &run.PartialCount, &run.CancelRequested,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		if end.Valid {
			run.EndDT = &end.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestCompletedRunID returns the most recently started run for userID
// whose status is success or partial_failure, the anchor §6's mode=latest publication filter pins to.
func (s *RunStore) LatestCompletedRunID(ctx context.Context, userID string) (string, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs WHERE user_id = $1 AND status IN ('success', 'partial_failure')
		ORDER BY start_dt DESC LIMIT 1`, userID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: latest completed run id: %w", err)
	}
	return id, true, nil
}

// UpdateStatus transitions a run's status, stamping end_dt when terminal.
func (s *RunStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus, endDT *time.Time) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = $2, end_dt = $3 WHERE id = $1`, runID, status, endDT)
	if err != nil {
		return fmt.Errorf("storage: update run status: %w", err)
	}
	return nil
}

// RequestCancellation sets cancel_requested so the Scheduler's cooperative
// checkpoints between scholars observe it.
func (s *RunStore) RequestCancellation(ctx context.Context, runID string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE runs SET cancel_requested = true WHERE id = $1`, runID)
	if err != nil {
		return fmt.Errorf("storage: request cancellation: %w", err)
	}
	return nil
}

// IsCancelRequested checks the cooperative cancellation flag.
func (s *RunStore) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var cancelRequested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id = $1`, runID).Scan(&cancelRequested)
	if err != nil {
		return false, fmt.Errorf("storage: is cancel requested: %w", err)
	}
	return cancelRequested, nil
}

// RecordScholarResult upserts one (run, scholar) result row and rolls the
// aggregate counters on the parent Run.
func (s *RunStore) RecordScholarResult(ctx context.Context, result model.RunScholarResult) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: record scholar result: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_scholar_results (run_id, scholar_profile_id, outcome, state, state_reason, publication_count, attempt_count, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, scholar_profile_id) DO UPDATE SET
			outcome = EXCLUDED.outcome, state = EXCLUDED.state, state_reason = EXCLUDED.state_reason,
			publication_count = EXCLUDED.publication_count, attempt_count = EXCLUDED.attempt_count, warnings = EXCLUDED.warnings`,
		result.RunID, result.ScholarProfileID, result.Outcome, result.State, result.StateReason,
		result.PublicationCount, result.AttemptCount, warningsJSON(result.Warnings),
	)
	if err != nil {
		return fmt.Errorf("storage: record scholar result: insert: %w", err)
	}

	failedDelta, partialDelta := 0, 0
	switch result.Outcome {
	case model.OutcomeBlocked, model.OutcomeNetworkError, model.OutcomeParseFailure, model.OutcomeUpsertException:
		failedDelta = 1
	}
	_ = partialDelta

	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET scholar_count = scholar_count + 1, failed_count = failed_count + $2,
			new_publication_count = new_publication_count + $3
		WHERE id = $1`,
		result.RunID, failedDelta, result.PublicationCount,
	)
	if err != nil {
		return fmt.Errorf("storage: record scholar result: update run: %w", err)
	}

	return tx.Commit()
}

func warningsJSON(warnings []string) string {
	if len(warnings) == 0 {
		return "[]"
	}
	out := "["
	for i, w := range warnings {
		if i > 0 {
			out += ","
		}
		out += `"` + escapeJSONString(w) + `"`
	}
	return out + "]"
}

func escapeJSONString(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		switch r {
		case '"', '\\':
			out = append(out, '\\', byte(r))
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, string(r)...)
		}
	}
	return string(out)
}
