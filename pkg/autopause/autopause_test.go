package autopause

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
	"agentfleet/pkg/pool"
	"agentfleet/pkg/quota"
	"agentfleet/pkg/statemachine"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock *testClock
	store *persistence.Store
	sm    *statemachine.StateMachine
	gov   *quota.Governor
	pool  *pool.Pool
	c     *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &testClock{now: t0}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleet.db"), persistence.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	agents := pool.New(store.Agents(), pool.WithClock(clock.Now))
	sm := statemachine.New(store.Projects(),
		statemachine.WithClock(clock.Now),
		statemachine.WithObservers(&pool.ProjectReleaser{Pool: agents}))
	gov := quota.New(store.Quotas(), models.AlertConfig{
		WarningPercent: 80, CriticalPercent: 90, EmergencyPercent: 95, CooldownMinutes: 60,
	}, quota.WithClock(clock.Now))
	require.NoError(t, gov.SyncProviders(ctx, []models.Provider{
		{ID: "anthropic", Name: "Anthropic", QuotaRequests: 100, QuotaPeriod: 24 * time.Hour},
		{ID: "openai", Name: "OpenAI", QuotaRequests: 100, QuotaPeriod: 24 * time.Hour},
	}))

	return &fixture{
		clock: clock,
		store: store,
		sm:    sm,
		gov:   gov,
		pool:  agents,
		c:     New(store.Pauses(), sm, gov, WithClock(clock.Now)),
	}
}

// project creates a project and walks it idle -> running when running is set.
func (f *fixture) project(t *testing.T, name string, running bool) string {
	t.Helper()
	ctx := context.Background()
	p := &models.Project{Name: name}
	require.NoError(t, f.store.Projects().CreateProject(ctx, p))
	_, err := f.sm.Transition(ctx, statemachine.Request{ProjectID: p.ID, To: models.ProjectIdle})
	require.NoError(t, err)
	if running {
		_, err = f.sm.Transition(ctx, statemachine.Request{
			ProjectID: p.ID, From: statusPtr(models.ProjectIdle), To: models.ProjectRunning,
		})
		require.NoError(t, err)
	}
	return p.ID
}

func (f *fixture) use(t *testing.T, provider, projectID string, n int64) {
	t.Helper()
	_, err := f.gov.IncrementUsage(context.Background(), provider, &projectID, n, 0)
	require.NoError(t, err)
}

func (f *fixture) enable(t *testing.T, projectID string, threshold float64, autoResume bool) {
	t.Helper()
	require.NoError(t, f.c.Configure(context.Background(), models.AutoPauseSetting{
		ProjectID: projectID, Enabled: true, ThresholdPercent: threshold, AutoResume: autoResume,
	}))
}

func (f *fixture) status(t *testing.T, projectID string) models.ProjectStatus {
	t.Helper()
	s, err := f.sm.Current(context.Background(), projectID)
	require.NoError(t, err)
	require.NotNil(t, s)
	return *s
}

func TestPauseThenManualOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", true)
	f.enable(t, p, 95, true)

	_, err := f.pool.Register(ctx, pool.RegisterRequest{AgentID: "a1", AgentType: "coder", MaxCapacity: 2})
	require.NoError(t, err)
	_, err = f.pool.Assign(ctx, pool.AssignRequest{ProjectID: p})
	require.NoError(t, err)

	f.use(t, "anthropic", p, 96)

	paused, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, models.ProjectPaused, f.status(t, p))

	log := paused[0]
	assert.Equal(t, models.TriggerQuotaThreshold, log.Trigger)
	assert.Equal(t, models.PausePaused, log.Status)
	assert.Equal(t, "anthropic", log.ProviderID)
	assert.InDelta(t, 95.0, log.ThresholdPercent, 0.001)
	assert.InDelta(t, 96.0, log.UsagePercent, 0.001)
	require.NotNil(t, log.QuotaPeriodEnd)
	assert.Equal(t, t0.Add(24*time.Hour), *log.QuotaPeriodEnd)

	agent, err := f.pool.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, agent.CurrentLoad, "pausing releases the project's agents")

	history, err := f.sm.History(ctx, p)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, models.SourceAutomation, last.Source)
	assert.Equal(t, string(models.TriggerQuotaThreshold), last.Metadata["trigger"])

	again, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "already paused")

	overridden, err := f.c.ApplyManualOverride(ctx, p, true, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectRunning, f.status(t, p))
	assert.Equal(t, models.PauseOverridden, overridden.Status)

	logs, err := f.c.History(ctx, p)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.PauseOverridden, logs[0].Status)
	assert.Equal(t, "alice", logs[0].OverrideBy)
	assert.False(t, logs[0].AutoResume)
	require.NotNil(t, logs[0].OverrideAt)

	history, err = f.sm.History(ctx, p)
	require.NoError(t, err)
	last = history[len(history)-1]
	assert.Equal(t, models.SourceUser, last.Source)
	assert.Equal(t, "alice", last.InitiatedBy)
}

func TestManualOverrideHoldsForQuotaPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", true)
	f.enable(t, p, 95, true)
	f.use(t, "anthropic", p, 96)

	require.NoError(t, f.c.RunCycle(ctx))
	require.Equal(t, models.ProjectPaused, f.status(t, p))

	_, err := f.c.ApplyManualOverride(ctx, p, true, "alice")
	require.NoError(t, err)
	require.Equal(t, models.ProjectRunning, f.status(t, p))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.c.RunCycle(ctx))
	assert.Equal(t, models.ProjectRunning, f.status(t, p), "override outlasts the next cycle")

	logs, err := f.c.History(ctx, p)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.PauseOverridden, logs[0].Status)

	// A new period brings the project back under auto-pause.
	f.clock.Advance(24 * time.Hour)
	f.use(t, "anthropic", p, 97)
	require.NoError(t, f.c.RunCycle(ctx))
	assert.Equal(t, models.ProjectPaused, f.status(t, p))

	logs, err = f.c.History(ctx, p)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.PausePaused, logs[1].Status)
}

type failingLogStore struct {
	*persistence.PauseRepo
	err error
}

func (s *failingLogStore) InsertLog(context.Context, *models.AutoPauseLog) error { return s.err }

func TestPauseResumesWhenLogWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", true)
	f.enable(t, p, 95, true)
	f.use(t, "anthropic", p, 96)

	diskFull := errors.New("disk full")
	c := New(&failingLogStore{PauseRepo: f.store.Pauses(), err: diskFull}, f.sm, f.gov, WithClock(f.clock.Now))

	paused, err := c.CheckQuotasAndPause(ctx)
	require.ErrorIs(t, err, diskFull)
	assert.Empty(t, paused)
	assert.Equal(t, models.ProjectRunning, f.status(t, p))

	history, err := f.sm.History(ctx, p)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, models.SourceSystem, last.Source)
	assert.Equal(t, "pause log write failed", last.Reason)
}

func TestPauseSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	below := f.project(t, "below", true)
	f.enable(t, below, 95, true)
	f.use(t, "anthropic", below, 94)

	idle := f.project(t, "idle", false)
	f.enable(t, idle, 95, true)
	f.use(t, "anthropic", idle, 99)

	disabled := f.project(t, "disabled", true)
	require.NoError(t, f.c.Configure(ctx, models.AutoPauseSetting{ProjectID: disabled, Enabled: false, ThresholdPercent: 50}))
	f.use(t, "anthropic", disabled, 99)

	unused := f.project(t, "unused", true)
	f.enable(t, unused, 10, true)

	paused, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)
	assert.Empty(t, paused)
	assert.Equal(t, models.ProjectRunning, f.status(t, below))
	assert.Equal(t, models.ProjectIdle, f.status(t, idle))
	assert.Equal(t, models.ProjectRunning, f.status(t, disabled))
	assert.Equal(t, models.ProjectRunning, f.status(t, unused))
}

func TestPauseUsesHighestProviderOrConfiguredOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spread := f.project(t, "spread", true)
	f.enable(t, spread, 90, false)
	f.use(t, "anthropic", spread, 20)
	f.use(t, "openai", spread, 100)

	pinned := f.project(t, "pinned", true)
	require.NoError(t, f.c.Configure(ctx, models.AutoPauseSetting{
		ProjectID: pinned, ProviderID: "anthropic", Enabled: true, ThresholdPercent: 90,
	}))
	f.use(t, "anthropic", pinned, 20)
	f.use(t, "openai", pinned, 100)

	paused, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, spread, paused[0].ProjectID)
	assert.Equal(t, "openai", paused[0].ProviderID)
	assert.Equal(t, models.TriggerQuotaExceeded, paused[0].Trigger)
	assert.Equal(t, models.ProjectRunning, f.status(t, pinned))
}

func TestAutoResumeAfterPeriodReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", true)
	f.enable(t, p, 95, true)
	f.use(t, "anthropic", p, 96)

	_, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)

	n, err := f.c.CheckAndAutoResume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "period has not reset")

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.c.RunCycle(ctx))
	assert.Equal(t, models.ProjectRunning, f.status(t, p), "resumed and not re-paused on a fresh period")

	logs, err := f.c.History(ctx, p)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.PauseResumed, logs[0].Status)
	require.NotNil(t, logs[0].ResumedAt)
	assert.Equal(t, t0.Add(24*time.Hour), *logs[0].ResumedAt)
}

func TestAutoResumeRespectsFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	manual := f.project(t, "manual", true)
	f.enable(t, manual, 95, false)
	f.use(t, "anthropic", manual, 96)

	held := f.project(t, "held", true)
	f.enable(t, held, 95, true)
	f.use(t, "anthropic", held, 96)

	_, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)

	log, err := f.c.ApplyManualOverride(ctx, held, false, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.PauseOverridden, log.Status)
	assert.Equal(t, models.ProjectPaused, f.status(t, held), "hold keeps the project paused")

	f.clock.Advance(25 * time.Hour)
	n, err := f.c.CheckAndAutoResume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.ProjectPaused, f.status(t, manual))
	assert.Equal(t, models.ProjectPaused, f.status(t, held))
}

func TestAutoResumeCancelsWhenProjectMovedOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", true)
	f.enable(t, p, 95, true)
	f.use(t, "anthropic", p, 96)
	_, err := f.c.CheckQuotasAndPause(ctx)
	require.NoError(t, err)

	_, err = f.sm.Transition(ctx, statemachine.Request{
		ProjectID: p, From: statusPtr(models.ProjectPaused), To: models.ProjectCancelled, Source: models.SourceSystem,
	})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	n, err := f.c.CheckAndAutoResume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.ProjectCancelled, f.status(t, p))

	logs, err := f.c.History(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.PauseCancelled, logs[0].Status)
}

func TestManualOverrideRequiresPausedProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", true)

	_, err := f.c.ApplyManualOverride(ctx, p, true, "alice")
	assert.ErrorIs(t, err, ErrNotPaused)

	_, err = f.c.ApplyManualOverride(ctx, "missing", true, "alice")
	assert.ErrorIs(t, err, statemachine.ErrProjectNotFound)

	_, err = f.sm.Transition(ctx, statemachine.Request{
		ProjectID: p, From: statusPtr(models.ProjectRunning), To: models.ProjectPaused, Source: models.SourceUser,
	})
	require.NoError(t, err)
	log, err := f.c.ApplyManualOverride(ctx, p, true, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManualOverride, log.Trigger)
	assert.Equal(t, models.ProjectRunning, f.status(t, p))
}

func TestConfigure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.project(t, "p", false)

	require.NoError(t, f.c.Configure(ctx, models.AutoPauseSetting{ProjectID: p, Enabled: true}))
	st, err := f.c.Setting(ctx, p)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, st.ThresholdPercent, 0.001)

	assert.ErrorIs(t, f.c.Configure(ctx, models.AutoPauseSetting{ProjectID: p, ThresholdPercent: 120}), ErrInvalidSetting)
	assert.ErrorIs(t, f.c.Configure(ctx, models.AutoPauseSetting{ThresholdPercent: 50}), ErrInvalidSetting)
}
