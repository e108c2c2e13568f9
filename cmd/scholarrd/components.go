package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scholarr/ingestion/internal/api"
	"github.com/scholarr/ingestion/internal/clock"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/continuation"
	"github.com/scholarr/ingestion/internal/enrichcache"
	"github.com/scholarr/ingestion/internal/enrichment"
	"github.com/scholarr/ingestion/internal/eventbus"
	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/namesearch"
	"github.com/scholarr/ingestion/internal/observability"
	"github.com/scholarr/ingestion/internal/pdfqueue"
	"github.com/scholarr/ingestion/internal/safety"
	"github.com/scholarr/ingestion/internal/scheduler"
	"github.com/scholarr/ingestion/internal/storage"
)

// scholarSearchBaseURL is Google Scholar's author search endpoint. Not a
// §4.1 config knob — it names a fixed upstream shape, not a tunable floor.
const scholarSearchBaseURL = "https://scholar.google.com/citations"

// components bundles every long-lived collaborator scholarrd constructs,
// so serve and run share one assembly path instead of two diverging
// wiring blocks.
type components struct {
	cfg *config.Config
	db  *sql.DB

	scholars          *storage.ScholarStore
	users             *storage.UserStore
	runs              *storage.RunStore
	publications      *storage.PublicationStore
	safetyStore       *storage.SafetyStore
	continuationStore *storage.ContinuationStore
	pdfQueueStore     *storage.PdfQueueStore

	metrics          *observability.Metrics
	bus              *eventbus.Bus
	gw               *gateway.Gateway
	safetyCtl        *safety.Controller
	continuationMgr  *continuation.Manager
	enrichmentRunner *enrichment.Runner
	nameSearcher     *namesearch.Searcher
	pdfPool          *pdfqueue.Pool
	sched            *scheduler.Scheduler
}

// buildComponents opens the database and constructs every collaborator from
// cfg. Grounded on the teacher's runCrawl, which does the same
// fetcher → parser → pipeline → storage → metrics assembly inline before
// starting the engine.
func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	db, err := storage.Open(cfg.Storage.DSN, cfg.Storage.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	c := &components{
		cfg:               cfg,
		db:                db,
		scholars:          storage.NewScholarStore(db),
		users:             storage.NewUserStore(db),
		runs:              storage.NewRunStore(db),
		publications:      storage.NewPublicationStore(db),
		safetyStore:       storage.NewSafetyStore(db),
		continuationStore: storage.NewContinuationStore(db),
		pdfQueueStore:     storage.NewPdfQueueStore(db),
	}

	// Metrics are always recorded; cfg.Metrics.Enabled only governs whether
	// serve starts the scrape endpoint, so the collectors never sit behind a
	// nil check that would otherwise have to thread through every
	// constructor below.
	metrics := observability.NewMetrics("scholarr", logger)
	c.metrics = metrics

	c.bus = eventbus.New(256, metrics)

	clk := clock.NewSystem()
	onCooldown := func(host string, reason gateway.Outcome) {
		logger.Warn("gateway: host entering cooldown", "host", host, "reason", reason)
	}
	cfg.Gateway.MinRequestDelay = time.Duration(cfg.Ingestion.MinRequestDelaySeconds) * time.Second
	gw, err := gateway.New(&cfg.Gateway, clk, logger, onCooldown, metrics)
	if err != nil {
		return nil, fmt.Errorf("construct gateway: %w", err)
	}
	c.gw = gw

	c.safetyCtl = safety.New(c.safetyStore, c.runs, cfg.Safety, metrics)
	c.continuationMgr = continuation.New(c.continuationStore, continuation.Config{
		BaseDelay:   time.Duration(cfg.Continuation.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Continuation.MaxDelaySeconds) * time.Second,
		MaxAttempts: cfg.Continuation.MaxAttempts,
	})

	var rdb *redis.Client
	if cfg.Cache.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr, DB: cfg.Cache.RedisDB})
	}
	enrichCache := enrichcache.New(rdb, cfg.NameSearch.PositiveTTL, cfg.NameSearch.NegativeTTL)
	c.enrichmentRunner = enrichment.New(c.publications, enrichCache, c.bus, logger,
		enrichment.NewOpenAlexProvider(gw, requestDelay(cfg), cfg.Enrichment.OpenAlexBaseURL),
		enrichment.NewCrossrefProvider(gw, requestDelay(cfg), cfg.Enrichment.CrossrefBaseURL),
		enrichment.NewArxivProvider(gw, requestDelay(cfg), cfg.Enrichment.ArxivBaseURL),
	)

	nameSearcher, err := namesearch.New(gw, namesearch.Config{
		MinInterval:            time.Duration(cfg.NameSearch.MinIntervalSeconds) * time.Second,
		IntervalJitter:         time.Duration(cfg.NameSearch.IntervalJitterSeconds) * time.Second,
		CooldownBlockThreshold: cfg.NameSearch.CooldownBlockThreshold,
		CooldownDuration:       time.Duration(cfg.NameSearch.CooldownSeconds) * time.Second,
		CacheSize:              cfg.NameSearch.CacheSize,
		PositiveTTL:            cfg.NameSearch.PositiveTTL,
		NegativeTTL:            cfg.NameSearch.NegativeTTL,
		BaseURL:                scholarSearchBaseURL,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("construct name searcher: %w", err)
	}
	c.nameSearcher = nameSearcher

	c.pdfPool = pdfqueue.New(c.pdfQueueStore, c.publications, pdfqueue.Config{
		Workers:      cfg.Pdf.WorkerCount,
		BaseBackoff:  cfg.Pdf.BaseBackoff,
		MaxBackoff:   cfg.Pdf.MaxBackoff,
		MaxAttempts:  cfg.Pdf.MaxAttempts,
	}, logger, metrics,
		pdfqueue.NewUnpaywallResolver(gw, requestDelay(cfg), cfg.Pdf.UnpaywallBaseURL, cfg.Pdf.UnpaywallEmail),
		pdfqueue.NewArxivResolver(gw, requestDelay(cfg), ""),
	)

	c.sched = scheduler.New(scheduler.Deps{
		Scholars:     c.scholars,
		Users:        c.users,
		Runs:         c.runs,
		Safety:       c.safetyCtl,
		Continuation: c.continuationMgr,
		Bus:          c.bus,
		Enrichment:   c.enrichmentRunner,
		Gateway:      gw,
		Links:        c.publications,
		Publications: c.publications,
		PdfQueue:     c.pdfQueueStore,
		Metrics:      metrics,
	}, cfg.Ingestion, scheduler.Config{
		TickInterval:          cfg.Scheduler.TickInterval,
		QueueBatchSize:        cfg.Scheduler.QueueBatchSize,
		MaxConcurrentUserRuns: cfg.Scheduler.MaxConcurrentUserRuns,
	}, logger)

	return c, nil
}

func requestDelay(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Ingestion.MinRequestDelaySeconds) * time.Second
}

func (c *components) apiDeps() api.Deps {
	return api.Deps{
		Runs:         c.sched,
		RunStore:     c.runs,
		Safety:       c.safetyStore,
		Publications: c.publications,
		PdfQueue:     c.pdfQueueStore,
		Users:        c.users,
		Scholars:     c.scholars,
		NameSearch:   c.nameSearcher,
		Bus:          c.bus,
		Config:       c.cfg,
		Metrics:      c.metrics,
	}
}

func (c *components) Close() error {
	return c.db.Close()
}

// newAPIServer constructs the REST+SSE server bound to cfg.API.Port.
func (c *components) newAPIServer(logger *slog.Logger) *api.Server {
	return api.NewServer(c.cfg.API.Port, logger, c.apiDeps())
}
