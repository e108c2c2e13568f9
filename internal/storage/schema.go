package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements creates every table in §3, in dependency order. Run once
// at startup (cmd/scholarrd's `migrate` subcommand) rather than on every
// connection.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT NOT NULL UNIQUE,
		is_admin BOOLEAN NOT NULL DEFAULT false,
		is_active BOOLEAN NOT NULL DEFAULT true,
		auto_run_enabled BOOLEAN NOT NULL DEFAULT false,
		run_interval_minutes INTEGER NOT NULL DEFAULT 15,
		request_delay_seconds INTEGER NOT NULL DEFAULT 2,
		nav_visible_pages JSONB NOT NULL DEFAULT '[]',
		integration_tokens JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS scholar_profiles (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		owning_user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		scholar_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		affiliation TEXT NOT NULL DEFAULT '',
		profile_image_source TEXT NOT NULL DEFAULT 'scraped',
		profile_image_url TEXT NOT NULL DEFAULT '',
		is_enabled BOOLEAN NOT NULL DEFAULT true,
		last_checked_at TIMESTAMPTZ,
		last_outcome TEXT NOT NULL DEFAULT '',
		last_fingerprint_head TEXT NOT NULL DEFAULT '',
		UNIQUE (owning_user_id, scholar_id)
	)`,
	`CREATE TABLE IF NOT EXISTS publications (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		fingerprint TEXT NOT NULL,
		canonical_title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		venue_text TEXT NOT NULL DEFAULT '',
		cluster_id TEXT NOT NULL DEFAULT '',
		doi TEXT NOT NULL DEFAULT '',
		arxiv_id TEXT NOT NULL DEFAULT '',
		pmid TEXT NOT NULL DEFAULT '',
		openalex_id TEXT NOT NULL DEFAULT '',
		pdf_url TEXT NOT NULL DEFAULT '',
		pdf_status TEXT NOT NULL DEFAULT 'untracked',
		pdf_attempt_count INTEGER NOT NULL DEFAULT 0,
		pdf_failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (fingerprint)
	)`,
	// Missing identifiers are stored as '' rather than NULL, so a plain
	// UNIQUE constraint would collide every row that lacks one; partial
	// indexes enforce §5's "no two Publication rows share any non-null
	// normalized identifier" without that false collision.
	`CREATE UNIQUE INDEX IF NOT EXISTS publications_cluster_id_key ON publications(cluster_id) WHERE cluster_id <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS publications_doi_key ON publications(doi) WHERE doi <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS publications_arxiv_id_key ON publications(arxiv_id) WHERE arxiv_id <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS publications_pmid_key ON publications(pmid) WHERE pmid <> ''`,
	`CREATE TABLE IF NOT EXISTS scholar_publication_links (
		scholar_profile_id UUID NOT NULL REFERENCES scholar_profiles(id) ON DELETE CASCADE,
		publication_id UUID NOT NULL REFERENCES publications(id) ON DELETE CASCADE,
		first_seen_run_id UUID,
		is_read BOOLEAN NOT NULL DEFAULT false,
		is_favorite BOOLEAN NOT NULL DEFAULT false,
		is_new_in_latest_run BOOLEAN NOT NULL DEFAULT true,
		link_scholar_pub_url TEXT NOT NULL DEFAULT '',
		citation_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (scholar_profile_id, publication_id)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		start_dt TIMESTAMPTZ NOT NULL DEFAULT now(),
		end_dt TIMESTAMPTZ,
		scholar_count INTEGER NOT NULL DEFAULT 0,
		new_publication_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		partial_count INTEGER NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS run_scholar_results (
		run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		scholar_profile_id UUID NOT NULL REFERENCES scholar_profiles(id) ON DELETE CASCADE,
		outcome TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT '',
		state_reason TEXT NOT NULL DEFAULT '',
		publication_count INTEGER NOT NULL DEFAULT 0,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		warnings JSONB NOT NULL DEFAULT '[]',
		PRIMARY KEY (run_id, scholar_profile_id)
	)`,
	`CREATE TABLE IF NOT EXISTS continuation_queue_items (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		scholar_profile_id UUID NOT NULL REFERENCES scholar_profiles(id) ON DELETE CASCADE,
		resume_cursor TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		next_attempt_dt TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pdf_queue_items (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		publication_id UUID NOT NULL REFERENCES publications(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'queued',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_dt TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS safety_states (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		cooldown_active BOOLEAN NOT NULL DEFAULT false,
		cooldown_reason TEXT NOT NULL DEFAULT 'none',
		cooldown_until TIMESTAMPTZ,
		consecutive_blocked_runs INTEGER NOT NULL DEFAULT 0,
		consecutive_network_runs INTEGER NOT NULL DEFAULT 0,
		cooldown_entry_count INTEGER NOT NULL DEFAULT 0,
		blocked_start_count INTEGER NOT NULL DEFAULT 0,
		last_evaluated_run_id UUID
	)`,
}

// Migrate applies the schema idempotently. Safe to run on every deploy.
func Migrate(ctx context.Context, db *sql.DB) error {
	ctx, cancel := withTimeout(ctx, 30*DefaultTimeout)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}
