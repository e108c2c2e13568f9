// Package processor implements §4.7's per-(run,scholar) state machine. The
// State/atomic-CAS-transition pattern is reused directly from the teacher's
// internal/engine/engine.go Engine.state, with a new state set matching the
// diagram in §4.7 instead of the teacher's idle/running/paused/stopping
// lifecycle.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/paginator"
)

// State is one node of §4.7's per-(run,scholar) state machine.
type State int32

const (
	StateFetching State = iota
	StateUpserting
	StateSuccess
	StateSkippedNoChange
	StateParseFailure
	StateBlocked
	StateNetworkError
	StateUpsertException
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateUpserting:
		return "upserting"
	case StateSuccess:
		return "success"
	case StateSkippedNoChange:
		return "skipped_no_change"
	case StateParseFailure:
		return "parse_failure"
	case StateBlocked:
		return "blocked"
	case StateNetworkError:
		return "network_error"
	case StateUpsertException:
		return "upsert_exception"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of §4.7's terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateSkippedNoChange, StateParseFailure, StateBlocked, StateNetworkError, StateUpsertException:
		return true
	default:
		return false
	}
}

// Outcome maps a terminal State onto the model.ScholarOutcome the rest of
// the system (run rollups, Safety Controller counters) consumes.
func (s State) Outcome() model.ScholarOutcome {
	switch s {
	case StateSuccess:
		return model.OutcomeSuccess
	case StateSkippedNoChange:
		return model.OutcomeSkippedNoChange
	case StateParseFailure:
		return model.OutcomeParseFailure
	case StateBlocked:
		return model.OutcomeBlocked
	case StateNetworkError:
		return model.OutcomeNetworkError
	case StateUpsertException:
		return model.OutcomeUpsertException
	default:
		return model.OutcomeNetworkError
	}
}

func stateFor(outcome model.ScholarOutcome) State {
	switch outcome {
	case model.OutcomeSuccess:
		return StateSuccess
	case model.OutcomeSkippedNoChange:
		return StateSkippedNoChange
	case model.OutcomeParseFailure:
		return StateParseFailure
	case model.OutcomeBlocked:
		return StateBlocked
	case model.OutcomeUpsertException:
		return StateUpsertException
	default:
		return StateNetworkError
	}
}

// Processor drives one scholar's walk through the state machine. A fresh
// Processor is constructed per (run, scholar) pair.
type Processor struct {
	walker *paginator.Walker
	logger *slog.Logger
	state  atomic.Int32
}

// New constructs a Processor starting in StateFetching, per §4.7.
func New(walker *paginator.Walker, logger *slog.Logger) *Processor {
	p := &Processor{walker: walker, logger: logger}
	p.state.Store(int32(StateFetching))
	return p
}

// State returns the processor's current state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

func (p *Processor) transition(from, to State) bool {
	ok := p.state.CompareAndSwap(int32(from), int32(to))
	if ok && p.logger != nil {
		p.logger.Debug("scholar processor transition", "from", from, "to", to)
	}
	return ok
}

// Run walks the scholar via the Paginator, driving the state machine to its
// terminal state, and returns the Paginator's Result alongside the final
// State for the caller to fold into a RunScholarResult.
func (p *Processor) Run(ctx context.Context, scholar model.ScholarProfile, requestDelay time.Duration, force bool, sink paginator.RowSink) (paginator.Result, State) {
	return p.RunFrom(ctx, scholar, requestDelay, force, 0, sink)
}

// RunFrom is Run starting the walk at startPage instead of page 0, for the
// Scheduler resuming a continuation slot at its stored page cursor.
func (p *Processor) RunFrom(ctx context.Context, scholar model.ScholarProfile, requestDelay time.Duration, force bool, startPage int, sink paginator.RowSink) (paginator.Result, State) {
	if State(p.state.Load()) != StateFetching {
		panic("processor: Run called twice on the same Processor")
	}

	result := p.walker.WalkFrom(ctx, scholar, requestDelay, force, startPage, sink)

	if result.PagesFetched > 0 && (result.Outcome == model.OutcomeSuccess || result.Outcome == model.OutcomeUpsertException) {
		p.transition(StateFetching, StateUpserting)
		p.transition(StateUpserting, stateFor(result.Outcome))
	} else {
		p.transition(StateFetching, stateFor(result.Outcome))
	}

	return result, p.State()
}

// RollupOutcome reduces a run's per-scholar outcomes to the run-level
// status of §4.7: success, partial_failure, or failed.
func RollupOutcome(outcomes []model.ScholarOutcome) model.RunStatus {
	if len(outcomes) == 0 {
		return model.RunSuccess
	}
	successCount, failureCount := 0, 0
	for _, o := range outcomes {
		if o.IsSuccess() {
			successCount++
		} else {
			failureCount++
		}
	}
	switch {
	case failureCount == 0:
		return model.RunSuccess
	case successCount == 0:
		return model.RunFailed
	default:
		return model.RunPartialFailure
	}
}

// StateReason renders a human-readable reason string for a terminal state,
// used for RunScholarResult.StateReason.
func StateReason(state State, failureReason string) string {
	if failureReason == "" {
		return fmt.Sprintf("reached %s", state)
	}
	return fmt.Sprintf("reached %s: %s", state, failureReason)
}
