// Package storage is the relational store of §3/§5: one Postgres database
// holding every entity, reached through database/sql + lib/pq. Replaces the
// teacher's MongoDB storage because §5's serializable-isolation upserts and
// unique-index-keyed dedup do not map onto a document store — Scholarr needs
// ON CONFLICT semantics and multi-table transactions that only a relational
// engine gives cleanly.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DefaultTimeout bounds any storage call that does not already carry a
// deadline, same shape as the teacher's withTimeout helper.
const DefaultTimeout = 5 * time.Second

// Open opens a connection pool to the Postgres DSN.
func Open(dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// withTimeout wraps ctx with DefaultTimeout unless ctx already has a
// deadline, adapted from the teacher's internal/storage/context.go.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
