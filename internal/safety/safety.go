// Package safety implements §4.10's Safety Controller: a per-user cooldown
// state machine that gates run admission and is updated once per run on its
// terminal handoff. Grounded on internal/engine/robots.go's RobotsManager —
// a manager object holding mutexed per-domain state and consulted before
// every request — generalized here to per-user cooldown state consulted
// before every run.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/model"
)

// Store is the subset of storage.SafetyStore the Controller needs.
type Store interface {
	GetState(ctx context.Context, userID string) (model.SafetyState, error)
	UpdateState(ctx context.Context, state model.SafetyState) error
}

// RunStore is the subset of storage.RunStore the Controller needs to refuse
// admission when a non-terminal run already exists for the user.
type RunStore interface {
	CreateRun(ctx context.Context, userID string, trigger model.RunTrigger) (model.Run, error)
}

// MetricsRecorder receives per-user cooldown state transitions. Satisfied
// by *observability.Metrics; kept as a narrow local interface so the
// Controller doesn't import internal/observability.
type MetricsRecorder interface {
	SetSafetyCooldownState(userID, reason string, active bool)
}

// Controller is the Safety Controller, one instance shared by the Scheduler
// and the manual-trigger API handler.
type Controller struct {
	safety  Store
	runs    RunStore
	cfg     config.SafetyConfig
	metrics MetricsRecorder
}

// New constructs a Controller. metrics may be nil.
func New(safety Store, runs RunStore, cfg config.SafetyConfig, metrics MetricsRecorder) *Controller {
	return &Controller{safety: safety, runs: runs, cfg: cfg, metrics: metrics}
}

// Admit evaluates whether a run may start for userID, and if so creates it.
// Refuses with a KindCooldownActive apperrors.Error carrying the
// SafetyState as details when cooldown_active, with
// apperrors.ErrManualDisabled when the trigger's automation/manual policy
// flag is off, and with apperrors.ErrRunInProgress (via RunStore.CreateRun)
// when a non-terminal run already exists, per §4.10's gate API.
func (c *Controller) Admit(ctx context.Context, userID string, trigger model.RunTrigger) (model.Run, error) {
	if trigger == model.TriggerScheduled && !c.cfg.AutomationAllowed {
		return model.Run{}, apperrors.ErrManualDisabled
	}
	if trigger == model.TriggerManual && !c.cfg.ManualAllowed {
		return model.Run{}, apperrors.ErrManualDisabled
	}

	state, err := c.safety.GetState(ctx, userID)
	if err != nil {
		return model.Run{}, fmt.Errorf("safety: admit: %w", err)
	}
	if state.CooldownActive {
		return model.Run{}, apperrors.New(apperrors.KindCooldownActive, fmt.Sprintf("cooldown active: %s", state.CooldownReason)).WithDetails(state)
	}

	run, err := c.runs.CreateRun(ctx, userID, trigger)
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// RunOutcome summarizes one run's terminal handoff, the input to Evaluate.
type RunOutcome struct {
	RunID              string
	BlockedFailureCount int
	NetworkFailureCount int
}

// Evaluate applies §4.10's per-run transition to userID's SafetyState and
// persists the result. Must be called exactly once per run, after the run
// reaches a terminal RunStatus.
func (c *Controller) Evaluate(ctx context.Context, userID string, outcome RunOutcome) (model.SafetyState, error) {
	state, err := c.safety.GetState(ctx, userID)
	if err != nil {
		return model.SafetyState{}, fmt.Errorf("safety: evaluate: %w", err)
	}
	state.Counters.LastEvaluatedRunID = outcome.RunID

	now := time.Now().UTC()
	switch {
	case outcome.BlockedFailureCount >= c.cfg.AlertBlockedFailureThreshold:
		until := now.Add(time.Duration(c.cfg.CooldownBlockedSeconds) * time.Second)
		state.CooldownActive = true
		state.CooldownReason = model.CooldownBlocked
		state.CooldownUntil = &until
		state.Counters.ConsecutiveBlockedRuns++
		state.Counters.CooldownEntryCount++
	case outcome.NetworkFailureCount >= c.cfg.AlertNetworkFailureThreshold:
		until := now.Add(time.Duration(c.cfg.CooldownNetworkSeconds) * time.Second)
		state.CooldownActive = true
		state.CooldownReason = model.CooldownNetwork
		state.CooldownUntil = &until
		state.Counters.ConsecutiveNetworkRuns++
		state.Counters.CooldownEntryCount++
	default:
		state.Counters.ConsecutiveBlockedRuns = 0
		state.Counters.ConsecutiveNetworkRuns = 0
		if state.CooldownActive && state.CooldownUntil != nil && !state.CooldownUntil.After(now) {
			state.CooldownActive = false
			state.CooldownReason = model.CooldownNone
			state.CooldownUntil = nil
		}
	}

	if err := c.safety.UpdateState(ctx, state); err != nil {
		return model.SafetyState{}, fmt.Errorf("safety: evaluate: persist: %w", err)
	}
	if c.metrics != nil {
		c.metrics.SetSafetyCooldownState(userID, string(state.CooldownReason), state.CooldownActive)
	}
	return state, nil
}
