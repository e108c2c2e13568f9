package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/model"
)

type fakeStore struct {
	states map[string]model.SafetyState
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]model.SafetyState{}}
}

func (f *fakeStore) GetState(ctx context.Context, userID string) (model.SafetyState, error) {
	if s, ok := f.states[userID]; ok {
		return s, nil
	}
	return model.SafetyState{UserID: userID, CooldownReason: model.CooldownNone}, nil
}

func (f *fakeStore) UpdateState(ctx context.Context, state model.SafetyState) error {
	f.states[state.UserID] = state
	return nil
}

type fakeRuns struct {
	created []model.RunTrigger
	err     error
}

func (f *fakeRuns) CreateRun(ctx context.Context, userID string, trigger model.RunTrigger) (model.Run, error) {
	if f.err != nil {
		return model.Run{}, f.err
	}
	f.created = append(f.created, trigger)
	return model.Run{UserID: userID, Trigger: trigger, Status: model.RunPending}, nil
}

func baseCfg() config.SafetyConfig {
	return config.SafetyConfig{
		AlertBlockedFailureThreshold: 1,
		AlertNetworkFailureThreshold: 2,
		CooldownBlockedSeconds:       1800,
		CooldownNetworkSeconds:       600,
		AutomationAllowed:            true,
		ManualAllowed:                true,
	}
}

func TestAdmitRefusesWhenCooldownActive(t *testing.T) {
	store := newFakeStore()
	store.states["u1"] = model.SafetyState{UserID: "u1", CooldownActive: true, CooldownReason: model.CooldownBlocked}
	c := New(store, &fakeRuns{}, baseCfg(), nil)

	_, err := c.Admit(context.Background(), "u1", model.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindCooldownActive, apperrors.KindOf(err))
}

func TestAdmitRefusesManualWhenDisabled(t *testing.T) {
	cfg := baseCfg()
	cfg.ManualAllowed = false
	c := New(newFakeStore(), &fakeRuns{}, cfg, nil)

	_, err := c.Admit(context.Background(), "u1", model.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrManualDisabled)
}

func TestAdmitRefusesScheduledWhenAutomationDisabled(t *testing.T) {
	cfg := baseCfg()
	cfg.AutomationAllowed = false
	c := New(newFakeStore(), &fakeRuns{}, cfg, nil)

	_, err := c.Admit(context.Background(), "u1", model.TriggerScheduled)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrManualDisabled)
}

func TestAdmitPropagatesRunInProgress(t *testing.T) {
	runs := &fakeRuns{err: apperrors.ErrRunInProgress}
	c := New(newFakeStore(), runs, baseCfg(), nil)

	_, err := c.Admit(context.Background(), "u1", model.TriggerManual)
	assert.ErrorIs(t, err, apperrors.ErrRunInProgress)
}

func TestAdmitCreatesRunWhenNothingBlocks(t *testing.T) {
	runs := &fakeRuns{}
	c := New(newFakeStore(), runs, baseCfg(), nil)

	run, err := c.Admit(context.Background(), "u1", model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, run.Status)
	assert.Equal(t, []model.RunTrigger{model.TriggerManual}, runs.created)
}

func TestEvaluateEntersBlockedCooldown(t *testing.T) {
	store := newFakeStore()
	c := New(store, &fakeRuns{}, baseCfg(), nil)

	state, err := c.Evaluate(context.Background(), "u1", RunOutcome{RunID: "run-1", BlockedFailureCount: 1})
	require.NoError(t, err)
	assert.True(t, state.CooldownActive)
	assert.Equal(t, model.CooldownBlocked, state.CooldownReason)
	assert.Equal(t, 1, state.Counters.ConsecutiveBlockedRuns)
	require.NotNil(t, state.CooldownUntil)
}

func TestEvaluateEntersNetworkCooldownOnlyWhenBlockedBelowThreshold(t *testing.T) {
	store := newFakeStore()
	c := New(store, &fakeRuns{}, baseCfg(), nil)

	state, err := c.Evaluate(context.Background(), "u1", RunOutcome{RunID: "run-1", NetworkFailureCount: 2})
	require.NoError(t, err)
	assert.True(t, state.CooldownActive)
	assert.Equal(t, model.CooldownNetwork, state.CooldownReason)
}

func TestEvaluateClearsCooldownOnceExpired(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Minute)
	store.states["u1"] = model.SafetyState{
		UserID: "u1", CooldownActive: true, CooldownReason: model.CooldownBlocked, CooldownUntil: &past,
	}
	c := New(store, &fakeRuns{}, baseCfg(), nil)

	state, err := c.Evaluate(context.Background(), "u1", RunOutcome{RunID: "run-2"})
	require.NoError(t, err)
	assert.False(t, state.CooldownActive)
	assert.Equal(t, model.CooldownNone, state.CooldownReason)
	assert.Nil(t, state.CooldownUntil)
}

func TestEvaluateClearsCountersOnSuccess(t *testing.T) {
	store := newFakeStore()
	store.states["u1"] = model.SafetyState{
		UserID: "u1",
		Counters: model.SafetyCounters{ConsecutiveBlockedRuns: 3, ConsecutiveNetworkRuns: 2},
	}
	c := New(store, &fakeRuns{}, baseCfg(), nil)

	state, err := c.Evaluate(context.Background(), "u1", RunOutcome{RunID: "run-3"})
	require.NoError(t, err)
	assert.Equal(t, 0, state.Counters.ConsecutiveBlockedRuns)
	assert.Equal(t, 0, state.Counters.ConsecutiveNetworkRuns)
}
