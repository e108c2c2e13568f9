// Package enrichment implements §4.8's Enrichment Runner: after a run's
// scholars all reach terminal states, scan publications with an incomplete
// identifier set and try each provider in order. Adapted from
// internal/pipeline/pipeline.go's Middleware chain (Use, ordered Process
// calls) — each Provider here has the same "try, return not-found to fall
// through" shape as the teacher's middleware, run strictly in the order
// §4.8 specifies (OpenAlex, then Crossref, then arXiv) rather than the
// teacher's operator-configured chain.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scholarr/ingestion/internal/enrichcache"
	"github.com/scholarr/ingestion/internal/model"
)

// Provider looks up identifiers for one publication. ok is false when the
// provider had nothing to add — the Runner falls through to the next
// provider in the chain rather than treating it as an error.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, pub model.Publication) (ids model.Identifiers, ok bool, err error)
}

// PublicationStore is the subset of storage.PublicationStore the Runner
// needs, kept as an interface so this package doesn't import storage.
type PublicationStore interface {
	IncompleteIdentifierPublications(ctx context.Context, limit int) ([]model.Publication, error)
	UpdateIdentifiers(ctx context.Context, publicationID string, ids model.Identifiers) error
	FindDuplicateByIdentifiers(ctx context.Context, excludeID string, ids model.Identifiers) (model.Publication, bool, error)
	MergePublications(ctx context.Context, winnerID, loserID string) error
}

// EventPublisher is the subset of eventbus.Bus the Runner needs to announce
// identifier_updated events.
type EventPublisher interface {
	PublishIdentifierUpdated(runID, publicationID string, ids model.Identifiers)
}

// Runner drives the provider chain over one run's incomplete publications.
type Runner struct {
	pubs      PublicationStore
	cache     *enrichcache.Cache
	providers []Provider
	events    EventPublisher
	logger    *slog.Logger
}

// New constructs a Runner. providers must already be in lookup order
// (OpenAlex, Crossref, arXiv per §4.8).
func New(pubs PublicationStore, cache *enrichcache.Cache, events EventPublisher, logger *slog.Logger, providers ...Provider) *Runner {
	return &Runner{pubs: pubs, cache: cache, providers: providers, events: events, logger: logger}
}

// RunForRun scans every publication with an incomplete identifier set and
// tries each provider in order, merging whatever each one adds, until the
// identifier set is complete or the chain is exhausted, per §4.8. limit
// bounds how many publications a single invocation scans.
func (r *Runner) RunForRun(ctx context.Context, runID string, limit int) error {
	pubs, err := r.pubs.IncompleteIdentifierPublications(ctx, limit)
	if err != nil {
		return fmt.Errorf("enrichment: scan: %w", err)
	}

	for _, pub := range pubs {
		if err := r.enrichOne(ctx, runID, pub); err != nil {
			if r.logger != nil {
				r.logger.Warn("enrichment failed for publication", "publication_id", pub.ID, "error", err)
			}
		}
	}
	return nil
}

func (r *Runner) enrichOne(ctx context.Context, runID string, pub model.Publication) error {
	merged := pub.Identifiers
	changed := false

	for _, provider := range r.providers {
		if merged.Complete() {
			break
		}

		lookupKey := pub.Fingerprint
		if r.cache != nil {
			cached, found, negative, err := r.cache.Lookup(ctx, provider.Name(), lookupKey)
			if err == nil && found {
				if negative {
					continue
				}
				if mergeIdentifiers(&merged, cached) {
					changed = true
				}
				continue
			}
		}

		ids, ok, err := provider.Lookup(ctx, pub)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("provider lookup error", "provider", provider.Name(), "publication_id", pub.ID, "error", err)
			}
			continue
		}
		if !ok {
			if r.cache != nil {
				_ = r.cache.StoreNegative(ctx, provider.Name(), lookupKey)
			}
			continue
		}

		if r.cache != nil {
			_ = r.cache.StorePositive(ctx, provider.Name(), lookupKey, ids)
		}
		if mergeIdentifiers(&merged, ids) {
			changed = true
		}
	}

	if !changed {
		return nil
	}

	if err := r.pubs.UpdateIdentifiers(ctx, pub.ID, merged); err != nil {
		return fmt.Errorf("update identifiers for %q: %w", pub.ID, err)
	}
	if r.events != nil {
		r.events.PublishIdentifierUpdated(runID, pub.ID, merged)
	}

	if err := r.dedup(ctx, pub.ID, pub.CreatedAt, merged); err != nil {
		return fmt.Errorf("dedup sweep for %q: %w", pub.ID, err)
	}
	return nil
}

// dedup implements §4.8's best-effort merge sweep: a publication that just
// acquired doi/arxiv_id/pmid may now share it with a row that was created
// under a different fingerprint or cluster id. When that happens, merge the
// two rows — winner is whichever was created first, ties broken by the
// lower id — so invariant 2 ("no two Publication rows share any non-null
// normalized identifier") keeps holding even though the partial unique
// indexes only catch the collision at insert time, not after a later
// identifier update.
func (r *Runner) dedup(ctx context.Context, pubID string, createdAt time.Time, ids model.Identifiers) error {
	dup, found, err := r.pubs.FindDuplicateByIdentifiers(ctx, pubID, ids)
	if err != nil {
		return fmt.Errorf("find duplicate: %w", err)
	}
	if !found {
		return nil
	}

	winner, loser := pubID, dup.ID
	if dup.CreatedAt.Before(createdAt) || (dup.CreatedAt.Equal(createdAt) && dup.ID < pubID) {
		winner, loser = dup.ID, pubID
	}

	if err := r.pubs.MergePublications(ctx, winner, loser); err != nil {
		return fmt.Errorf("merge %q into %q: %w", loser, winner, err)
	}
	if r.logger != nil {
		r.logger.Info("enrichment: merged duplicate publication", "winner", winner, "loser", loser)
	}
	return nil
}

// mergeIdentifiers fills in any empty field of dst from src, reporting
// whether anything changed.
func mergeIdentifiers(dst *model.Identifiers, src model.Identifiers) bool {
	changed := false
	if dst.DOI == "" && src.DOI != "" {
		dst.DOI = src.DOI
		changed = true
	}
	if dst.ArxivID == "" && src.ArxivID != "" {
		dst.ArxivID = src.ArxivID
		changed = true
	}
	if dst.PMID == "" && src.PMID != "" {
		dst.PMID = src.PMID
		changed = true
	}
	if dst.OpenAlexID == "" && src.OpenAlexID != "" {
		dst.OpenAlexID = src.OpenAlexID
		changed = true
	}
	return changed
}
