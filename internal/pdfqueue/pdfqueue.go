// Package pdfqueue implements §4.9's PDF Resolution Queue: a bounded worker
// pool draining a Postgres-backed queue table. Adapted from the teacher's
// internal/engine/scheduler.go worker-pool (worker(ctx, id) goroutines
// pulling from a shared source), pointed at storage.PdfQueueStore.ClaimNext
// (a row-level UPDATE ... WHERE status='queued' RETURNING) instead of the
// teacher's in-memory frontier.TryPop.
package pdfqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// Store is the subset of storage.PdfQueueStore the worker pool needs.
type Store interface {
	ClaimNext(ctx context.Context, now time.Time) (model.PdfQueueItem, bool, error)
	MarkResolved(ctx context.Context, id, publicationID, pdfURL string) error
	MarkFailed(ctx context.Context, id, publicationID string, attemptCount int, lastError string, terminal bool, nextAttempt time.Time) error
}

// PublicationGetter fetches the Publication a queue item refers to, so a
// Resolver can see its DOI/arxiv_id.
type PublicationGetter interface {
	GetByID(ctx context.Context, id string) (model.Publication, error)
}

// Resolver tries one PDF source. retryable distinguishes a transient
// failure (network, 5xx — retry with backoff) from a terminal one (no open
// access copy known — don't retry without an operator action), per §4.9.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, pub model.Publication) (pdfURL string, found bool, retryable bool, err error)
}

// Config bounds the worker pool and backoff envelope.
type Config struct {
	Workers      int
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
}

// MetricsRecorder receives terminal resolution outcomes. Satisfied by
// *observability.Metrics; kept as a narrow local interface so the Pool
// doesn't import internal/observability.
type MetricsRecorder interface {
	RecordPdfResolution(outcome string)
}

// Pool drains the PDF queue with Config.Workers goroutines, each trying
// the Resolvers in order until one succeeds or one returns a retryable
// error.
type Pool struct {
	store     Store
	pubs      PublicationGetter
	resolvers []Resolver
	cfg       Config
	logger    *slog.Logger
	metrics   MetricsRecorder
}

// New constructs a Pool. resolvers are tried in order (Unpaywall then
// arXiv, per §4.9). metrics may be nil.
func New(store Store, pubs PublicationGetter, cfg Config, logger *slog.Logger, metrics MetricsRecorder, resolvers ...Resolver) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pool{store: store, pubs: pubs, resolvers: resolvers, cfg: cfg, logger: logger, metrics: metrics}
}

// Run blocks, draining the queue with cfg.Workers goroutines, until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndProcessOne(ctx, id)
		}
	}
}

func (p *Pool) claimAndProcessOne(ctx context.Context, workerID int) {
	item, found, err := p.store.ClaimNext(ctx, time.Now().UTC())
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("pdf queue claim failed", "worker_id", workerID, "error", err)
		}
		return
	}
	if !found {
		return
	}
	p.process(ctx, item)
}

func (p *Pool) process(ctx context.Context, item model.PdfQueueItem) {
	pub, err := p.pubs.GetByID(ctx, item.PublicationID)
	if err != nil {
		p.fail(ctx, item, err.Error(), true)
		return
	}

	for _, resolver := range p.resolvers {
		pdfURL, found, retryable, err := resolver.Resolve(ctx, pub)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("pdf resolver error", "resolver", resolver.Name(), "publication_id", pub.ID, "error", err)
			}
			if !retryable {
				continue
			}
			p.fail(ctx, item, err.Error(), false)
			return
		}
		if !found {
			continue
		}
		if err := p.store.MarkResolved(ctx, item.ID, item.PublicationID, pdfURL); err != nil && p.logger != nil {
			p.logger.Warn("pdf mark resolved failed", "publication_id", pub.ID, "error", err)
		}
		if p.metrics != nil {
			p.metrics.RecordPdfResolution("resolved")
		}
		return
	}

	p.fail(ctx, item, "no open access copy known", true)
}

// fail records a failed resolution attempt. terminalReason forces a
// terminal failure (no retry) regardless of attempt count, matching §4.9's
// "no OA copy known" case.
func (p *Pool) fail(ctx context.Context, item model.PdfQueueItem, reason string, terminalReason bool) {
	attempt := item.AttemptCount + 1
	terminal := terminalReason || attempt >= p.cfg.MaxAttempts

	var nextAttempt time.Time
	if !terminal {
		backoff := backoffFor(p.cfg.BaseBackoff, p.cfg.MaxBackoff, attempt)
		nextAttempt = time.Now().UTC().Add(backoff)
	}

	if err := p.store.MarkFailed(ctx, item.ID, item.PublicationID, attempt, reason, terminal, nextAttempt); err != nil && p.logger != nil {
		p.logger.Warn("pdf mark failed failed", "publication_id", item.PublicationID, "error", err)
	}
	if p.metrics != nil {
		if terminal {
			p.metrics.RecordPdfResolution("exhausted")
		} else {
			p.metrics.RecordPdfResolution("retry")
		}
	}
}

// backoffFor computes base * 2^attempt capped at max, per §4.9.
func backoffFor(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
