package quota

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

func defaultAlerts() models.AlertConfig {
	return models.AlertConfig{
		WarningPercent:    80,
		CriticalPercent:   90,
		EmergencyPercent:  95,
		Channels:          []string{"dashboard", "log"},
		CooldownMinutes:   60,
		EscalationEnabled: true,
		EscalationMinutes: 30,
		MaxEscalations:    2,
	}
}

type fixture struct {
	store     *persistence.Store
	repo      *persistence.QuotaRepo
	clock     *testClock
	gov       *Governor
	dashboard *DashboardNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &testClock{now: t0}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleet.db"), persistence.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dash := NewDashboardNotifier(50)
	all := append([]Option{
		WithClock(clock.Now),
		WithNotifier("dashboard", dash),
		WithNotifier("log", NewLogNotifier()),
	}, opts...)
	gov := New(store.Quotas(), defaultAlerts(), all...)

	require.NoError(t, gov.SyncProviders(context.Background(), []models.Provider{
		{ID: "anthropic", Name: "Anthropic", QuotaRequests: 100, QuotaPeriod: 24 * time.Hour},
		{ID: "openai", Name: "OpenAI", QuotaRequests: 200, QuotaTokens: 1000},
	}))
	return &fixture{store: store, repo: store.Quotas(), clock: clock, gov: gov, dashboard: dash}
}

func strp(s string) *string { return &s }

func (f *fixture) add(t *testing.T, n int64) *UsageResult {
	t.Helper()
	res, err := f.gov.IncrementUsage(context.Background(), "anthropic", nil, n, 0)
	require.NoError(t, err)
	return res
}

func TestIncrementUsageCreatesCounter(t *testing.T) {
	f := newFixture(t)

	res := f.add(t, 10)
	assert.InDelta(t, 10.0, res.UsagePercent, 0.001)
	assert.False(t, res.IsOverLimit)
	assert.Equal(t, int64(90), res.RemainingRequests)
	assert.Equal(t, int64(-1), res.RemainingTokens)
	assert.Nil(t, res.Alert)
	assert.Equal(t, t0, res.Usage.PeriodStart)
	assert.Equal(t, t0.Add(24*time.Hour), res.Usage.PeriodEnd)

	_, err := f.gov.IncrementUsage(context.Background(), "missing", nil, 1, 0)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestIncrementUsageDefaultPeriod(t *testing.T) {
	f := newFixture(t)

	res, err := f.gov.IncrementUsage(context.Background(), "openai", strp("p1"), 1, 100)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(defaultPeriod), res.Usage.PeriodEnd)
	// Tokens dominate: 100/1000 vs 1/200.
	assert.InDelta(t, 10.0, res.UsagePercent, 0.001)
	assert.Equal(t, int64(199), res.RemainingRequests)
	assert.Equal(t, int64(900), res.RemainingTokens)
}

func TestAlertThresholdProgression(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.add(t, 79).Alert)

	warn := f.add(t, 1).Alert
	require.NotNil(t, warn)
	assert.Equal(t, models.AlertWarning, warn.AlertType)
	assert.InDelta(t, 80.0, warn.ThresholdPercent, 0.001)
	assert.Equal(t, []string{"dashboard", "log"}, warn.ChannelsSent)

	assert.Nil(t, f.add(t, 9).Alert, "89% is still the warning band and inside cooldown")

	crit := f.add(t, 2).Alert
	require.NotNil(t, crit, "crossing 90% raises a critical alert")
	assert.Equal(t, models.AlertCritical, crit.AlertType)
	assert.InDelta(t, 90.0, crit.ThresholdPercent, 0.001)

	assert.Nil(t, f.add(t, 1).Alert, "92% inside cooldown raises nothing")

	emergency := f.add(t, 4).Alert
	require.NotNil(t, emergency, "crossing 95% raises one more")
	assert.Equal(t, models.AlertCritical, emergency.AlertType)
	assert.InDelta(t, 95.0, emergency.ThresholdPercent, 0.001)

	over := f.add(t, 5)
	assert.True(t, over.IsOverLimit)
	assert.Equal(t, int64(0), over.RemainingRequests)
	require.NotNil(t, over.Alert)
	assert.Equal(t, models.AlertOverage, over.Alert.AlertType)

	alerts, err := f.gov.ListAlerts(context.Background(), models.AlertActive)
	require.NoError(t, err)
	assert.Len(t, alerts, 4)

	u, err := f.repo.GetUsage(context.Background(), "anthropic", nil)
	require.NoError(t, err)
	require.NotNil(t, u.LastAlertAt)
	assert.Len(t, f.dashboard.Recent("anthropic", time.Time{}), 4)
}

func TestAlertCooldownExpiry(t *testing.T) {
	f := newFixture(t)

	first := f.add(t, 91).Alert
	require.NotNil(t, first)
	assert.InDelta(t, 90.0, first.ThresholdPercent, 0.001, "only the highest crossed threshold alerts")

	f.clock.Advance(59 * time.Minute)
	assert.Nil(t, f.add(t, 1).Alert)

	f.clock.Advance(2 * time.Minute)
	again := f.add(t, 1).Alert
	require.NotNil(t, again, "same threshold alerts again once the cooldown has passed")
	assert.InDelta(t, 90.0, again.ThresholdPercent, 0.001)
	assert.NotEqual(t, first.ID, again.ID)
}

func TestLowerThresholdSuppressedByHigherActiveAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NotNil(t, f.add(t, 96).Alert)

	// Raise the thresholds so 96% now only crosses warning.
	require.NoError(t, f.gov.ConfigureAlerts(ctx, []models.AlertConfig{{
		WarningPercent: 90, CriticalPercent: 97, EmergencyPercent: 99,
		Channels: []string{"log"}, CooldownMinutes: 1,
	}}))
	f.clock.Advance(5 * time.Minute)
	assert.Nil(t, f.add(t, 0).Alert)
}

func TestNotifierFailureIsNotFatal(t *testing.T) {
	failing := NotifierFunc(func(context.Context, string, *models.QuotaAlert) error {
		return errors.New("smtp down")
	})
	f := newFixture(t, WithNotifier("dashboard", failing))

	res := f.add(t, 85)
	require.NotNil(t, res.Alert)
	assert.Equal(t, []string{"log"}, res.Alert.ChannelsSent)

	stored, err := f.repo.GetAlert(context.Background(), res.Alert.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"log"}, stored.ChannelsSent)
}

func TestCheckEscalations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert := f.add(t, 85).Alert
	require.NotNil(t, alert)

	n, err := f.gov.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "too early")

	f.clock.Advance(30 * time.Minute)
	n, err = f.gov.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.gov.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "interval restarts from the last escalation")

	f.clock.Advance(30 * time.Minute)
	n, err = f.gov.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock.Advance(30 * time.Minute)
	n, err = f.gov.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "max escalations reached")

	stored, err := f.repo.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.EscalationCount)
}

func TestAcknowledgedAlertsNeverEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert := f.add(t, 85).Alert
	require.NotNil(t, alert)
	require.NoError(t, f.gov.Acknowledge(ctx, alert.ID, "oncall"))

	f.clock.Advance(3 * time.Hour)
	n, err := f.gov.CheckEscalations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := f.repo.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, stored.Status)
	assert.Equal(t, "oncall", stored.AcknowledgedBy)
	assert.Zero(t, stored.EscalationCount)

	assert.ErrorIs(t, f.gov.Acknowledge(ctx, alert.ID, "oncall"), ErrAlertNotActive)
	assert.ErrorIs(t, f.gov.Acknowledge(ctx, "nope", "oncall"), ErrAlertNotFound)
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alert := f.add(t, 85).Alert
	require.NotNil(t, alert)
	require.NoError(t, f.gov.Resolve(ctx, alert.ID))
	require.NoError(t, f.gov.Resolve(ctx, alert.ID))
	assert.ErrorIs(t, f.gov.Resolve(ctx, "nope"), ErrAlertNotFound)
}

func TestLazyPeriodResetResolvesAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NotNil(t, f.add(t, 95).Alert)

	// Two and a half periods later the window lands on the current period.
	f.clock.Advance(60 * time.Hour)
	res := f.add(t, 1)
	assert.Equal(t, int64(1), res.Usage.CurrentRequests)
	assert.Equal(t, t0.Add(48*time.Hour), res.Usage.PeriodStart)
	assert.Equal(t, t0.Add(72*time.Hour), res.Usage.PeriodEnd)
	require.NotNil(t, res.Usage.LastResetAt)

	active, err := f.gov.ListAlerts(ctx, models.AlertActive)
	require.NoError(t, err)
	assert.Empty(t, active)
	resolved, err := f.gov.ListAlerts(ctx, models.AlertResolved)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}

func TestSweepExpiredPeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, 50)
	_, err := f.gov.IncrementUsage(ctx, "openai", strp("p1"), 5, 0)
	require.NoError(t, err)

	n, err := f.gov.SweepExpiredPeriods(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(24 * time.Hour)
	n, err = f.gov.SweepExpiredPeriods(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u, err := f.repo.GetUsage(ctx, "anthropic", nil)
	require.NoError(t, err)
	assert.Zero(t, u.CurrentRequests)
	assert.Equal(t, t0.Add(48*time.Hour), u.PeriodEnd)
}

func TestResolveConfigScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg, err := f.gov.ResolveConfig(ctx, "anthropic", strp("p1"))
	require.NoError(t, err)
	assert.InDelta(t, 90.0, cfg.CriticalPercent, 0.001, "falls back to defaults")

	global := models.AlertConfig{WarningPercent: 70, CriticalPercent: 80, EmergencyPercent: 90}
	providerOnly := models.AlertConfig{ProviderID: strp("anthropic"), WarningPercent: 71, CriticalPercent: 81, EmergencyPercent: 91}
	projectOnly := models.AlertConfig{ProjectID: strp("p1"), WarningPercent: 72, CriticalPercent: 82, EmergencyPercent: 92}
	both := models.AlertConfig{ProviderID: strp("anthropic"), ProjectID: strp("p1"), WarningPercent: 73, CriticalPercent: 83, EmergencyPercent: 93}
	require.NoError(t, f.gov.ConfigureAlerts(ctx, []models.AlertConfig{global, providerOnly, projectOnly, both}))

	tests := []struct {
		name     string
		provider string
		project  *string
		want     float64
	}{
		{"exact scope", "anthropic", strp("p1"), 73},
		{"project over provider", "openai", strp("p1"), 72},
		{"provider only", "anthropic", strp("p2"), 71},
		{"provider-wide counter", "anthropic", nil, 71},
		{"global", "openai", nil, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := f.gov.ResolveConfig(ctx, tt.provider, tt.project)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, cfg.WarningPercent, 0.001)
		})
	}
}

func TestCheckAdmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	adm, err := f.gov.CheckAdmission(ctx, "anthropic", nil)
	require.NoError(t, err)
	assert.False(t, adm.ShouldDefer)
	assert.Nil(t, adm.Usage)

	f.add(t, 94)
	adm, err = f.gov.CheckAdmission(ctx, "anthropic", nil)
	require.NoError(t, err)
	assert.False(t, adm.ShouldDefer)

	f.add(t, 1)
	adm, err = f.gov.CheckAdmission(ctx, "anthropic", nil)
	require.NoError(t, err)
	assert.True(t, adm.ShouldDefer, "emergency threshold defers")
	assert.False(t, adm.IsOverLimit)

	f.add(t, 5)
	adm, err = f.gov.CheckAdmission(ctx, "anthropic", nil)
	require.NoError(t, err)
	assert.True(t, adm.IsOverLimit)

	f.clock.Advance(24 * time.Hour)
	adm, err = f.gov.CheckAdmission(ctx, "anthropic", nil)
	require.NoError(t, err)
	assert.False(t, adm.ShouldDefer, "new period admits again")
	assert.Zero(t, adm.UsagePercent)
}

func TestUsagePercentForProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, pct, err := f.gov.UsagePercentForProject(ctx, "p1", "")
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.Zero(t, pct)

	_, err = f.gov.IncrementUsage(ctx, "anthropic", strp("p1"), 30, 0)
	require.NoError(t, err)
	_, err = f.gov.IncrementUsage(ctx, "openai", strp("p1"), 0, 600)
	require.NoError(t, err)
	_, err = f.gov.IncrementUsage(ctx, "anthropic", strp("p2"), 99, 0)
	require.NoError(t, err)

	u, pct, err = f.gov.UsagePercentForProject(ctx, "p1", "")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "openai", u.ProviderID)
	assert.InDelta(t, 60.0, pct, 0.001)

	u, pct, err = f.gov.UsagePercentForProject(ctx, "p1", "anthropic")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.InDelta(t, 30.0, pct, 0.001)
}

func TestConcurrentIncrementsAreAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gov.IncrementUsage(ctx, "anthropic", strp("p1"), 1, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	u, err := f.repo.GetUsage(ctx, "anthropic", strp("p1"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.CurrentRequests)
}
