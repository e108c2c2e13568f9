// Package scheduler implements §4.12's Scheduler: a tick loop that selects
// due users, admits a Run for each through the Safety Controller, walks
// their enabled scholars, and drains the continuation queue. Adapted from
// internal/engine/scheduler.go's tick/worker-pool pattern and
// internal/distributed/master.go's coordinator-of-many-workers shape — the
// teacher's distributed master coordinates remote crawl workers, Scholarr's
// Scheduler coordinates per-user run tasks instead, collapsed back to a
// single process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/continuation"
	"github.com/scholarr/ingestion/internal/enrichment"
	"github.com/scholarr/ingestion/internal/eventbus"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/paginator"
	"github.com/scholarr/ingestion/internal/processor"
	"github.com/scholarr/ingestion/internal/safety"
	"github.com/scholarr/ingestion/internal/upsert"
)

// enrichmentBatchLimit bounds how many publications the Enrichment Runner
// looks at per run finalization, keeping one run's gateway footprint
// predictable regardless of how many publications it touched.
const enrichmentBatchLimit = 25

// ScholarStore is the subset of storage.ScholarStore the Scheduler needs.
type ScholarStore interface {
	ListDue(ctx context.Context, now time.Time) ([]model.ScholarProfile, error)
	ListForUser(ctx context.Context, userID string) ([]model.ScholarProfile, error)
	GetByID(ctx context.Context, id string) (model.ScholarProfile, error)
	UpdateCheckpoint(ctx context.Context, scholarID string, checkedAt time.Time, outcome model.ScholarOutcome, headFingerprint string) error
}

// UserStore is the subset of storage.UserStore the Scheduler needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (model.User, error)
}

// RunStore is the subset of storage.RunStore the Scheduler needs beyond
// what safety.Controller already wraps (CreateRun).
type RunStore interface {
	UpdateStatus(ctx context.Context, runID string, status model.RunStatus, endDT *time.Time) error
	IsCancelRequested(ctx context.Context, runID string) (bool, error)
	RecordScholarResult(ctx context.Context, result model.RunScholarResult) error
}

// Config bounds the tick loop and worker pool, §4.12.
type Config struct {
	TickInterval          time.Duration
	QueueBatchSize        int
	MaxConcurrentUserRuns int
}

// MetricsRecorder receives per-run and per-scholar observations. Satisfied
// by *observability.Metrics; kept as a narrow local interface so the
// Scheduler doesn't import internal/observability.
type MetricsRecorder interface {
	RecordRun(trigger, status string, duration time.Duration)
	RecordScholarOutcome(outcome string)
}

// Scheduler drives §4.12's tick loop. One instance runs for the life of the
// daemon process.
type Scheduler struct {
	scholars     ScholarStore
	users        UserStore
	runs         RunStore
	safetyCtl    *safety.Controller
	continuation *continuation.Manager
	bus          *eventbus.Bus
	enrichment   *enrichment.Runner

	gw    paginator.GatewayClient
	links paginator.LinkLookup
	pubs  upsert.PublicationResolver
	pdfs  upsert.PdfEnqueuer

	ingestionCfg config.IngestionConfig
	cfg          Config
	logger       *slog.Logger
	metrics      MetricsRecorder

	sem chan struct{}
}

// Deps bundles every collaborator the Scheduler needs, grouped so New's
// signature doesn't grow unreadable as the call graph widens.
type Deps struct {
	Scholars     ScholarStore
	Users        UserStore
	Runs         RunStore
	Safety       *safety.Controller
	Continuation *continuation.Manager
	Bus          *eventbus.Bus
	Enrichment   *enrichment.Runner
	Gateway      paginator.GatewayClient
	Links        paginator.LinkLookup
	Publications upsert.PublicationResolver
	PdfQueue     upsert.PdfEnqueuer
	Metrics      MetricsRecorder
}

// New constructs a Scheduler. Deps.Metrics may be nil.
func New(d Deps, ingestionCfg config.IngestionConfig, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrentUserRuns <= 0 {
		cfg.MaxConcurrentUserRuns = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	return &Scheduler{
		scholars:     d.Scholars,
		users:        d.Users,
		runs:         d.Runs,
		safetyCtl:    d.Safety,
		continuation: d.Continuation,
		bus:          d.Bus,
		enrichment:   d.Enrichment,
		gw:           d.Gateway,
		links:        d.Links,
		pubs:         d.Publications,
		pdfs:         d.PdfQueue,
		ingestionCfg: ingestionCfg,
		cfg:          cfg,
		logger:       logger,
		metrics:      d.Metrics,
		sem:          make(chan struct{}, cfg.MaxConcurrentUserRuns),
	}
}

// Run blocks, ticking every cfg.TickInterval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// task is one unit of dispatchable work: either a scheduled pass over a
// user's due scholars, or a single continuation slot resuming one scholar.
type task struct {
	userID         string
	trigger        model.RunTrigger
	scholars       []model.ScholarProfile
	resumeCursor   string
	continuationID string
}

// Tick runs one pass of §4.12's loop: select due users, admit and dispatch
// a bounded worker per user/continuation task, then drain the continuation
// queue. Each task runs to completion inside its own goroutine gated by the
// worker-pool semaphore — the single-process, cooperative-yield scheduling
// model of §5 comes from Go's own runtime multiplexing the goroutines over
// blocking I/O, not from literal single-threading.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.scholars.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: list due scholars", "error", err)
	}

	byUser := make(map[string][]model.ScholarProfile)
	for _, sch := range due {
		byUser[sch.OwningUserID] = append(byUser[sch.OwningUserID], sch)
	}

	tasks := make([]task, 0, len(byUser))
	for userID, scholars := range byUser {
		tasks = append(tasks, task{userID: userID, trigger: model.TriggerScheduled, scholars: scholars})
	}

	items, err := s.continuation.ClaimDue(ctx, s.cfg.QueueBatchSize)
	if err != nil {
		s.logger.Error("scheduler: claim continuation queue", "error", err)
	}
	for _, item := range items {
		scholar, err := s.scholars.GetByID(ctx, item.ScholarProfileID)
		if err != nil {
			s.logger.Error("scheduler: load continuation scholar", "scholar_profile_id", item.ScholarProfileID, "error", err)
			continue
		}
		tasks = append(tasks, task{
			userID:         item.UserID,
			trigger:        model.TriggerContinuation,
			scholars:       []model.ScholarProfile{scholar},
			resumeCursor:   item.ResumeCursor,
			continuationID: item.ID,
		})
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		s.sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			s.runTask(ctx, t)
		}()
	}
	wg.Wait()
}

// runTask admits and executes one task, logging and returning silently on
// an expected admission refusal (cooldown, conflict, policy disabled) since
// those are routine scheduling outcomes, not scheduler errors.
func (s *Scheduler) runTask(ctx context.Context, t task) {
	run, err := s.safetyCtl.Admit(ctx, t.userID, t.trigger)
	if err != nil {
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			s.logger.Info("scheduler: run not admitted", "user_id", t.userID, "kind", appErr.Kind, "message", appErr.Message)
			return
		}
		s.logger.Error("scheduler: admit failed", "user_id", t.userID, "error", err)
		return
	}
	s.executeTask(ctx, run, t)
}

// TriggerManual admits and dispatches an immediate run over every enabled
// scholar owned by userID, bypassing the tick loop's due-user selection —
// the Scheduler side of §6's POST /api/v1/runs. Admission happens
// synchronously so the caller sees a cooldown/conflict/policy refusal
// immediately; the scholar walk itself runs in its own goroutine under the
// same worker-pool semaphore Tick uses, so the HTTP handler gets the
// created Run back without waiting for the walk to finish.
func (s *Scheduler) TriggerManual(ctx context.Context, userID string) (model.Run, error) {
	scholars, err := s.scholars.ListForUser(ctx, userID)
	if err != nil {
		return model.Run{}, fmt.Errorf("scheduler: trigger manual: list scholars: %w", err)
	}

	run, err := s.safetyCtl.Admit(ctx, userID, model.TriggerManual)
	if err != nil {
		return model.Run{}, err
	}

	t := task{userID: userID, trigger: model.TriggerManual, scholars: scholars}
	s.sem <- struct{}{}
	go func() {
		defer func() { <-s.sem }()
		s.executeTask(context.Background(), run, t)
	}()

	return run, nil
}

// executeTask walks t's scholars under an already-admitted run and performs
// the terminal handoff (status, safety evaluation, completion event).
func (s *Scheduler) executeTask(ctx context.Context, run model.Run, t task) {
	user, err := s.users.GetByID(ctx, t.userID)
	if err != nil {
		s.logger.Error("scheduler: load user", "user_id", t.userID, "error", err)
		return
	}
	requestDelay := time.Duration(user.Settings.RequestDelaySeconds) * time.Second

	runStart := time.Now()
	var blockedCount, networkCount, newPublications int
	var outcomes []model.ScholarOutcome
	total := len(t.scholars)

	for i, scholar := range t.scholars {
		cancelled, err := s.runs.IsCancelRequested(ctx, run.ID)
		if err != nil {
			s.logger.Error("scheduler: check cancel requested", "run_id", run.ID, "error", err)
		}
		if cancelled {
			break
		}

		outcome, discoveries := s.runScholar(ctx, run.ID, scholar, requestDelay, t)
		outcomes = append(outcomes, outcome)
		if outcome == model.OutcomeBlocked {
			blockedCount++
		}
		if outcome == model.OutcomeNetworkError {
			networkCount++
		}
		newPublications += len(discoveries)

		for _, d := range discoveries {
			s.bus.PublishPublicationDiscovered(run.ID, eventbus.PublicationDiscoveredPayload{
				PublicationID:    d.PublicationID,
				ScholarProfileID: scholar.ID,
				Title:            d.Title,
				FirstSeenAt:      d.FirstSeenAt,
				PubURL:           d.PubURL,
			})
		}

		s.bus.PublishRunProgress(run.ID, i+1, total)
	}

	if err := s.enrichment.RunForRun(ctx, run.ID, enrichmentBatchLimit); err != nil {
		s.logger.Error("scheduler: enrichment pass", "run_id", run.ID, "error", err)
	}

	status := processor.RollupOutcome(outcomes)

	cancelled, _ := s.runs.IsCancelRequested(ctx, run.ID)
	if cancelled {
		status = model.RunCancelled
	}

	endDT := time.Now().UTC()
	if err := s.runs.UpdateStatus(ctx, run.ID, status, &endDT); err != nil {
		s.logger.Error("scheduler: update run status", "run_id", run.ID, "error", err)
	}

	if _, err := s.safetyCtl.Evaluate(ctx, t.userID, safety.RunOutcome{
		RunID:               run.ID,
		BlockedFailureCount: blockedCount,
		NetworkFailureCount: networkCount,
	}); err != nil {
		s.logger.Error("scheduler: evaluate safety state", "user_id", t.userID, "error", err)
	}

	summary := fmt.Sprintf("%d scholars, %d new publications, %d blocked, %d network errors", total, newPublications, blockedCount, networkCount)
	s.bus.PublishRunCompleted(run.ID, status, summary)

	if s.metrics != nil {
		s.metrics.RecordRun(string(t.trigger), string(status), time.Since(runStart))
	}
}

// runScholar walks one scholar, records its result, updates its checkpoint,
// and notifies the continuation queue on an interrupted outcome, returning
// the terminal outcome and any newly discovered publications for the
// caller's rollup.
func (s *Scheduler) runScholar(ctx context.Context, runID string, scholar model.ScholarProfile, requestDelay time.Duration, t task) (model.ScholarOutcome, []upsert.Discovery) {
	walker := paginator.New(s.gw, s.links, s.ingestionCfg)
	proc := processor.New(walker, s.logger)
	sink := upsert.New(s.pubs, s.pdfs, runID, scholar.ID)

	startPage := 0
	force := false
	if t.trigger == model.TriggerContinuation {
		startPage = pageFromCursor(t.resumeCursor)
		force = true
	}

	result, state := proc.RunFrom(ctx, scholar, requestDelay, force, startPage, sink.Sink)

	if result.Outcome.IsSuccess() {
		if err := sink.Finalize(ctx); err != nil {
			s.logger.Error("scheduler: finalize upsert", "scholar_profile_id", scholar.ID, "error", err)
		}
	}

	if err := s.scholars.UpdateCheckpoint(ctx, scholar.ID, time.Now().UTC(), result.Outcome, result.HeadFingerprint); err != nil {
		s.logger.Error("scheduler: update checkpoint", "scholar_profile_id", scholar.ID, "error", err)
	}

	warnings := append([]string{}, result.Warnings...)
	warnings = append(warnings, sink.Warnings()...)

	if err := s.runs.RecordScholarResult(ctx, model.RunScholarResult{
		RunID:            runID,
		ScholarProfileID: scholar.ID,
		Outcome:          result.Outcome,
		State:            state.String(),
		StateReason:      processor.StateReason(state, result.FailureReason),
		PublicationCount: len(sink.Discoveries()),
		AttemptCount:     1,
		Warnings:         warnings,
	}); err != nil {
		s.logger.Error("scheduler: record scholar result", "scholar_profile_id", scholar.ID, "error", err)
	}

	if t.trigger == model.TriggerContinuation && t.continuationID != "" {
		if result.Outcome == model.OutcomeBlocked || result.Outcome == model.OutcomeNetworkError {
			if warning, err := s.continuation.Notify(ctx, t.userID, scholar.ID, result.ContinuationCursor); err != nil {
				s.logger.Error("scheduler: notify continuation", "scholar_profile_id", scholar.ID, "error", err)
			} else if warning != "" {
				s.logger.Warn("scheduler: continuation dropped", "message", warning)
			}
		} else if err := s.continuation.Resolved(ctx, t.continuationID); err != nil {
			s.logger.Error("scheduler: resolve continuation", "continuation_id", t.continuationID, "error", err)
		}
	} else if result.Outcome == model.OutcomeBlocked || result.Outcome == model.OutcomeNetworkError {
		if warning, err := s.continuation.Notify(ctx, scholar.OwningUserID, scholar.ID, result.ContinuationCursor); err != nil {
			s.logger.Error("scheduler: notify continuation", "scholar_profile_id", scholar.ID, "error", err)
		} else if warning != "" {
			s.logger.Warn("scheduler: continuation dropped", "message", warning)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordScholarOutcome(string(result.Outcome))
	}

	return result.Outcome, sink.Discoveries()
}

// pageFromCursor parses the "page:N" cursor format written by the Paginator
// (§4.5's ContinuationCursor) back into a page index. An unparseable or
// empty cursor resumes from page 0.
func pageFromCursor(cursor string) int {
	_, rest, found := strings.Cut(cursor, ":")
	if !found {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
