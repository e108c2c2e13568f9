package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/scholarr/ingestion/internal/model"
)

// PublicationStore implements §4.6's Publication Upserter persistence.
type PublicationStore struct {
	db *sql.DB
}

// NewPublicationStore constructs a PublicationStore.
func NewPublicationStore(db *sql.DB) *PublicationStore {
	return &PublicationStore{db: db}
}

// ResolvePublication implements §4.6's resolve_publication(row): match by
// cluster_id, then fingerprint, then any normalized identifier, else create.
// Runs in a single serializable transaction keyed on (fingerprint, cluster_id)
// so two concurrent runs upserting the same paper converge on one row; a
// unique-violation on insert retries the lookup path once (optimistic merge).
func (s *PublicationStore) ResolvePublication(ctx context.Context, fp string, clusterID string, title string, year int, venue string, ids model.Identifiers) (model.Publication, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return model.Publication{}, fmt.Errorf("storage: resolve publication: begin: %w", err)
	}
	defer tx.Rollback()

	pub, found, err := lookupPublication(ctx, tx, fp, clusterID, ids)
	if err != nil {
		return model.Publication{}, err
	}
	if found {
		if err := tx.Commit(); err != nil {
			return model.Publication{}, fmt.Errorf("storage: resolve publication: commit: %w", err)
		}
		return pub, nil
	}

	pub, err = insertPublication(ctx, tx, fp, clusterID, title, year, venue, ids)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			// Optimistic merge: another transaction won the race. Retry the
			// lookup once in a fresh transaction.
			tx.Rollback()
			tx2, txErr := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
			if txErr != nil {
				return model.Publication{}, fmt.Errorf("storage: resolve publication: retry begin: %w", txErr)
			}
			defer tx2.Rollback()
			pub, found, err = lookupPublication(ctx, tx2, fp, clusterID, ids)
			if err != nil {
				return model.Publication{}, err
			}
			if !found {
				return model.Publication{}, fmt.Errorf("storage: resolve publication: unique violation but retry lookup found nothing")
			}
			if err := tx2.Commit(); err != nil {
				return model.Publication{}, fmt.Errorf("storage: resolve publication: retry commit: %w", err)
			}
			return pub, nil
		}
		return model.Publication{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Publication{}, fmt.Errorf("storage: resolve publication: commit: %w", err)
	}
	return pub, nil
}

func lookupPublication(ctx context.Context, tx *sql.Tx, fp, clusterID string, ids model.Identifiers) (model.Publication, bool, error) {
	if clusterID != "" {
		if pub, ok, err := scanPublicationWhere(ctx, tx, "cluster_id = $1", clusterID); err != nil || ok {
			return pub, ok, err
		}
	}
	if fp != "" {
		if pub, ok, err := scanPublicationWhere(ctx, tx, "fingerprint = $1", fp); err != nil || ok {
			return pub, ok, err
		}
	}
	for col, val := range map[string]string{
		"doi": ids.DOI, "arxiv_id": ids.ArxivID, "pmid": ids.PMID, "openalex_id": ids.OpenAlexID,
	} {
		if val == "" {
			continue
		}
		if pub, ok, err := scanPublicationWhere(ctx, tx, col+" = $1", val); err != nil || ok {
			return pub, ok, err
		}
	}
	return model.Publication{}, false, nil
}

const publicationColumns = `id, fingerprint, canonical_title, year, venue_text, cluster_id,
	doi, arxiv_id, pmid, openalex_id, pdf_url, pdf_status, pdf_attempt_count,
	pdf_failure_reason, created_at, updated_at`

func scanPublicationWhere(ctx context.Context, tx *sql.Tx, where string, arg any) (model.Publication, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publications WHERE `+where, arg)
	pub, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Publication{}, false, nil
	}
	if err != nil {
		return model.Publication{}, false, fmt.Errorf("storage: lookup publication: %w", err)
	}
	return pub, true, nil
}

func scanPublication(row *sql.Row) (model.Publication, error) {
	var pub model.Publication
	err := row.Scan(
		&pub.ID, &pub.Fingerprint, &pub.CanonicalTitle, &pub.Year, &pub.VenueText, &pub.ClusterID,
		&pub.Identifiers.DOI, &pub.Identifiers.ArxivID, &pub.Identifiers.PMID, &pub.Identifiers.OpenAlexID,
		&pub.PdfURL, &pub.PdfStatus, &pub.PdfAttemptCount, &pub.PdfFailureReason,
		&pub.CreatedAt, &pub.UpdatedAt,
	)
	return pub, err
}

func insertPublication(ctx context.Context, tx *sql.Tx, fp, clusterID, title string, year int, venue string, ids model.Identifiers) (model.Publication, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO publications (fingerprint, canonical_title, year, venue_text, cluster_id, doi, arxiv_id, pmid, openalex_id, pdf_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'untracked')
		RETURNING `+publicationColumns,
		fp, title, year, venue, clusterID, ids.DOI, ids.ArxivID, ids.PMID, ids.OpenAlexID,
	)
	return scanPublication(row)
}

// ExistingCitationCount implements paginator.LinkLookup: the stored citation
// count for (scholarProfileID, clusterID), if a link already exists.
func (s *PublicationStore) ExistingCitationCount(ctx context.Context, scholarProfileID, clusterID string) (int, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT l.citation_count
		FROM scholar_publication_links l
		JOIN publications p ON p.id = l.publication_id
		WHERE l.scholar_profile_id = $1 AND p.cluster_id = $2`,
		scholarProfileID, clusterID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: existing citation count: %w", err)
	}
	return count, true, nil
}

// UpsertLink implements §4.6's upsert_link: create the link if absent
// (first_seen_run_id = runID, is_new_in_latest_run = true); if present,
// apply the monotone citation_count merge and keep a warning when Scholar
// reports a lower count than what is already stored.
func (s *PublicationStore) UpsertLink(ctx context.Context, scholarProfileID, publicationID, runID, pubURL string, citationCount int) (warning string, isNew bool, err error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	var existingCount int
	err = s.db.QueryRowContext(ctx, `
		SELECT citation_count FROM scholar_publication_links
		WHERE scholar_profile_id = $1 AND publication_id = $2`,
		scholarProfileID, publicationID,
	).Scan(&existingCount)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO scholar_publication_links
				(scholar_profile_id, publication_id, first_seen_run_id, is_new_in_latest_run, link_scholar_pub_url, citation_count)
			VALUES ($1, $2, $3, true, $4, $5)`,
			scholarProfileID, publicationID, runID, pubURL, citationCount,
		)
		if err != nil {
			return "", false, fmt.Errorf("storage: insert link: %w", err)
		}
		return "", true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: upsert link: lookup: %w", err)
	}

	newCount := citationCount
	if citationCount < existingCount {
		newCount = existingCount
		warning = fmt.Sprintf("citation count regressed from %d to %d; kept previous value", existingCount, citationCount)
	}

	// is_new_in_latest_run reflects whether this run is the one that first
	// created the link, not merely that the link was re-observed — a
	// pre-existing link falls back to false per §4.6.
	_, err = s.db.ExecContext(ctx, `
		UPDATE scholar_publication_links
		SET citation_count = $3, is_new_in_latest_run = (first_seen_run_id = $5), link_scholar_pub_url = $4
		WHERE scholar_profile_id = $1 AND publication_id = $2`,
		scholarProfileID, publicationID, newCount, pubURL, runID,
	)
	if err != nil {
		return "", false, fmt.Errorf("storage: update link: %w", err)
	}
	return warning, false, nil
}

// ClearStaleNewFlags implements §4.6's finalization step: flip
// is_new_in_latest_run to false on every link of this scholar not touched
// in this run, so the flag keeps meaning "new in the latest completed run".
func (s *PublicationStore) ClearStaleNewFlags(ctx context.Context, scholarProfileID string, touchedPublicationIDs []string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE scholar_publication_links
		SET is_new_in_latest_run = false
		WHERE scholar_profile_id = $1 AND NOT (publication_id = ANY($2))`,
		scholarProfileID, pq.Array(touchedPublicationIDs),
	)
	if err != nil {
		return fmt.Errorf("storage: clear stale new flags: %w", err)
	}
	return nil
}

// IncompleteIdentifierPublications returns publications lacking at least one
// identifier, for the Enrichment Runner's §4.8 scan.
func (s *PublicationStore) IncompleteIdentifierPublications(ctx context.Context, limit int) ([]model.Publication, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+publicationColumns+` FROM publications
		WHERE doi = '' OR arxiv_id = '' OR pmid = '' OR openalex_id = ''
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: incomplete identifier publications: %w", err)
	}
	defer rows.Close()

	var out []model.Publication
	for rows.Next() {
		var pub model.Publication
		if err := rows.Scan(
			&pub.ID, &pub.Fingerprint, &pub.CanonicalTitle, &pub.Year, &pub.VenueText, &pub.ClusterID,
			&pub.Identifiers.DOI, &pub.Identifiers.ArxivID, &pub.Identifiers.PMID, &pub.Identifiers.OpenAlexID,
			&pub.PdfURL, &pub.PdfStatus, &pub.PdfAttemptCount, &pub.PdfFailureReason,
			&pub.CreatedAt, &pub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan incomplete publication: %w", err)
		}
		out = append(out, pub)
	}
	return out, rows.Err()
}

// UpdateIdentifiers persists a newly discovered identifier set, used by the
// Enrichment Runner on any identifier change.
func (s *PublicationStore) UpdateIdentifiers(ctx context.Context, publicationID string, ids model.Identifiers) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE publications SET doi = $2, arxiv_id = $3, pmid = $4, openalex_id = $5, updated_at = $6
		WHERE id = $1`,
		publicationID, ids.DOI, ids.ArxivID, ids.PMID, ids.OpenAlexID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: update identifiers: %w", err)
	}
	return nil
}

// FindDuplicateByIdentifiers looks for another publication sharing any of
// ids' non-empty doi/arxiv_id/pmid values, for the Enrichment Runner's §4.8
// dedup sweep. excludeID is the publication that just acquired ids.
func (s *PublicationStore) FindDuplicateByIdentifiers(ctx context.Context, excludeID string, ids model.Identifiers) (model.Publication, bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	clauses := []string{}
	args := []any{excludeID}
	i := 2
	for _, pair := range []struct{ col, val string }{
		{"doi", ids.DOI}, {"arxiv_id", ids.ArxivID}, {"pmid", ids.PMID},
	} {
		if pair.val == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d", pair.col, i))
		args = append(args, pair.val)
		i++
	}
	if len(clauses) == 0 {
		return model.Publication{}, false, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+publicationColumns+` FROM publications
		WHERE id <> $1 AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, args...)
	pub, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Publication{}, false, nil
	}
	if err != nil {
		return model.Publication{}, false, fmt.Errorf("storage: find duplicate publication: %w", err)
	}
	return pub, true, nil
}

// MergePublications implements §4.8's dedup sweep: repoint loserID's scholar
// links onto winnerID, dropping any link that would collide with one
// winnerID already has for the same scholar, fold in any identifier
// winnerID is still missing from loserID, and delete the loser row. Caller
// picks winnerID as the older-created_at publication (ties broken by lower
// id) per §4.8.
func (s *PublicationStore) MergePublications(ctx context.Context, winnerID, loserID string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: merge publications: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE scholar_publication_links SET publication_id = $1
		WHERE publication_id = $2
		AND scholar_profile_id NOT IN (
			SELECT scholar_profile_id FROM scholar_publication_links WHERE publication_id = $1
		)`,
		winnerID, loserID,
	); err != nil {
		return fmt.Errorf("storage: merge publications: rewrite links: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scholar_publication_links WHERE publication_id = $1`, loserID); err != nil {
		return fmt.Errorf("storage: merge publications: drop stale links: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE publications AS w SET
			doi = CASE WHEN w.doi = '' THEN l.doi ELSE w.doi END,
			arxiv_id = CASE WHEN w.arxiv_id = '' THEN l.arxiv_id ELSE w.arxiv_id END,
			pmid = CASE WHEN w.pmid = '' THEN l.pmid ELSE w.pmid END,
			openalex_id = CASE WHEN w.openalex_id = '' THEN l.openalex_id ELSE w.openalex_id END,
			updated_at = now()
		FROM publications AS l
		WHERE w.id = $1 AND l.id = $2`,
		winnerID, loserID,
	); err != nil {
		return fmt.Errorf("storage: merge publications: merge identifiers: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM publications WHERE id = $1`, loserID); err != nil {
		return fmt.Errorf("storage: merge publications: delete loser: %w", err)
	}

	return tx.Commit()
}

// PublicationFilter narrows GET /api/v1/publications per §6. Mode selects
// the base set: "all" every link of the user's scholars, "unread" excludes
// is_read, "latest" restricts to first_seen_run_id = LatestRunID (the
// request's snapshot, honoring the snapshot query param when the caller
// pins one explicitly). SortBy is one of "created_at", "citation_count",
// "title"; SortDir "asc" or "desc".
type PublicationFilter struct {
	UserID      string
	ScholarID   string
	Mode        string
	LatestRunID string
	Favorite    *bool
	Search      string
	SortBy      string
	SortDir     string
	Page        int
	PageSize    int
}

var publicationSortColumns = map[string]string{
	"created_at":     "p.created_at",
	"citation_count": "l.citation_count",
	"title":          "p.canonical_title",
}

// ListPublications runs §6's paged, filterable publication listing, joining
// each publication to the calling user's scholar links. Returns the page
// and the total row count across the whole filtered set (for page_size
// pagination metadata), not just the returned page.
func (s *PublicationStore) ListPublications(ctx context.Context, f PublicationFilter) ([]model.PublicationListItem, int, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	where := []string{"sp.owning_user_id = $1"}
	args := []any{f.UserID}

	if f.ScholarID != "" {
		args = append(args, f.ScholarID)
		where = append(where, fmt.Sprintf("l.scholar_profile_id = $%d", len(args)))
	}
	switch f.Mode {
	case "unread":
		where = append(where, "NOT l.is_read")
	case "latest":
		args = append(args, f.LatestRunID)
		where = append(where, fmt.Sprintf("l.first_seen_run_id = $%d", len(args)))
	}
	if f.Favorite != nil {
		args = append(args, *f.Favorite)
		where = append(where, fmt.Sprintf("l.is_favorite = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
		where = append(where, fmt.Sprintf("lower(p.canonical_title) LIKE $%d", len(args)))
	}

	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT count(*) FROM scholar_publication_links l
		JOIN publications p ON p.id = l.publication_id
		JOIN scholar_profiles sp ON sp.id = l.scholar_profile_id ` + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: list publications: count: %w", err)
	}

	sortCol, ok := publicationSortColumns[f.SortBy]
	if !ok {
		sortCol = "p.created_at"
	}
	sortDir := "DESC"
	if strings.EqualFold(f.SortDir, "asc") {
		sortDir = "ASC"
	}

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, pageSize, (page-1)*pageSize)
	limitOffset := fmt.Sprintf("LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	query := `SELECT ` + prefixColumns("p", publicationColumns) + `,
			l.scholar_profile_id, l.is_read, l.is_favorite, l.is_new_in_latest_run,
			l.link_scholar_pub_url, l.citation_count, l.first_seen_run_id
		FROM scholar_publication_links l
		JOIN publications p ON p.id = l.publication_id
		JOIN scholar_profiles sp ON sp.id = l.scholar_profile_id ` +
		whereClause + ` ORDER BY ` + sortCol + ` ` + sortDir + ` ` + limitOffset

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list publications: %w", err)
	}
	defer rows.Close()

	var out []model.PublicationListItem
	for rows.Next() {
		var item model.PublicationListItem
		var firstSeenRunID sql.NullString
		if err := rows.Scan(
			&item.ID, &item.Fingerprint, &item.CanonicalTitle, &item.Year, &item.VenueText, &item.ClusterID,
			&item.Identifiers.DOI, &item.Identifiers.ArxivID, &item.Identifiers.PMID, &item.Identifiers.OpenAlexID,
			&item.PdfURL, &item.PdfStatus, &item.PdfAttemptCount, &item.PdfFailureReason,
			&item.CreatedAt, &item.UpdatedAt,
			&item.ScholarProfileID, &item.IsRead, &item.IsFavorite, &item.IsNewInLatestRun,
			&item.LinkScholarPubURL, &item.CitationCount, &firstSeenRunID,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan publication list item: %w", err)
		}
		if firstSeenRunID.Valid {
			item.FirstSeenRunID = firstSeenRunID.String
		}
		out = append(out, item)
	}
	return out, total, rows.Err()
}

// MarkAllRead marks every link of userID's scholars as read.
func (s *PublicationStore) MarkAllRead(ctx context.Context, userID string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE scholar_publication_links l SET is_read = true
		FROM scholar_profiles sp
		WHERE sp.id = l.scholar_profile_id AND sp.owning_user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("storage: mark all read: %w", err)
	}
	return nil
}

// MarkSelectedRead marks every link of userID's scholars pointing at one of
// publicationIDs as read.
func (s *PublicationStore) MarkSelectedRead(ctx context.Context, userID string, publicationIDs []string) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE scholar_publication_links l SET is_read = true
		FROM scholar_profiles sp
		WHERE sp.id = l.scholar_profile_id AND sp.owning_user_id = $1 AND l.publication_id = ANY($2)`,
		userID, pq.Array(publicationIDs))
	if err != nil {
		return fmt.Errorf("storage: mark selected read: %w", err)
	}
	return nil
}

// SetFavorite flips a publication's favorite flag on every link of userID's
// scholars pointing at it (normally exactly one).
func (s *PublicationStore) SetFavorite(ctx context.Context, userID, publicationID string, favorite bool) error {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE scholar_publication_links l SET is_favorite = $3
		FROM scholar_profiles sp
		WHERE sp.id = l.scholar_profile_id AND sp.owning_user_id = $1 AND l.publication_id = $2`,
		userID, publicationID, favorite)
	if err != nil {
		return fmt.Errorf("storage: set favorite: %w", err)
	}
	return nil
}

// GetByID fetches one publication, used by the PDF Resolution Queue workers
// to read the DOI/arxiv_id a claimed queue item needs.
func (s *PublicationStore) GetByID(ctx context.Context, id string) (model.Publication, error) {
	ctx, cancel := withTimeout(ctx, DefaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+publicationColumns+` FROM publications WHERE id = $1`, id)
	pub, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Publication{}, fmt.Errorf("storage: get publication: not found")
	}
	if err != nil {
		return model.Publication{}, fmt.Errorf("storage: get publication: %w", err)
	}
	return pub, nil
}
