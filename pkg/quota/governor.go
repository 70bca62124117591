// Package quota tracks per-provider usage, raises threshold alerts with
// cooldown and escalation, and answers admission questions for the queue.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

var (
	// ErrUnknownProvider is returned when usage is recorded for an unconfigured provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrAlertNotFound is returned for unknown alert ids.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertNotActive is returned when acknowledging an alert that is not active.
	ErrAlertNotActive = errors.New("alert is not active")
)

// defaultPeriod applies to providers configured without a quota period.
const defaultPeriod = 24 * time.Hour

// Store is the persistence the governor needs.
type Store interface {
	UpsertProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)

	GetUsage(ctx context.Context, providerID string, projectID *string) (*models.QuotaUsage, error)
	GetUsageByID(ctx context.Context, id string) (*models.QuotaUsage, error)
	CreateUsage(ctx context.Context, u *models.QuotaUsage) (bool, error)
	ResetUsage(ctx context.Context, id string, expectedEnd, start, end time.Time, limit, limitTokens int64) (bool, error)
	IncrementUsage(ctx context.Context, id string, requests, tokens int64) (*models.QuotaUsage, error)
	SetLastAlertAt(ctx context.Context, id string, at time.Time) error
	ListUsages(ctx context.Context, projectID *string) ([]models.QuotaUsage, error)
	ListExpiredUsages(ctx context.Context, now time.Time) ([]models.QuotaUsage, error)

	InsertAlert(ctx context.Context, a *models.QuotaAlert) error
	GetAlert(ctx context.Context, id string) (*models.QuotaAlert, error)
	HasRecentActiveAlert(ctx context.Context, usageID string, threshold float64, since time.Time) (bool, error)
	MaxActiveThreshold(ctx context.Context, usageID string) (float64, bool, error)
	SetAlertChannels(ctx context.Context, id string, channels []string) error
	ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.QuotaAlert, error)
	EscalateAlert(ctx context.Context, id string, at time.Time) (bool, error)
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (bool, error)
	ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error)
	ResolveAlertsForUsage(ctx context.Context, usageID string, at time.Time) (int64, error)

	UpsertAlertConfig(ctx context.Context, c *models.AlertConfig) error
	GetAlertConfig(ctx context.Context, providerID, projectID string) (*models.AlertConfig, error)
}

// Governor is the quota service.
type Governor struct {
	store     Store
	defaults  models.AlertConfig
	notifiers map[string]Notifier
	recorder  metrics.Recorder
	logger    *logx.Logger
	now       func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithNotifier routes a channel name to n.
func WithNotifier(channel string, n Notifier) Option {
	return func(g *Governor) { g.notifiers[channel] = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(g *Governor) { g.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor. defaults is used when no stored AlertConfig
// matches a usage row's scope.
func New(store Store, defaults models.AlertConfig, opts ...Option) *Governor {
	g := &Governor{
		store:     store,
		defaults:  defaults,
		notifiers: make(map[string]Notifier),
		recorder:  metrics.Nop(),
		logger:    logx.NewLogger("quota"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// UsageResult is the outcome of recording usage.
type UsageResult struct {
	Usage        *models.QuotaUsage
	UsagePercent float64
	IsOverLimit  bool
	// Remaining counts are -1 when the dimension is unlimited.
	RemainingRequests int64
	RemainingTokens   int64
	// Alert is set when this increment raised a new alert.
	Alert *models.QuotaAlert
}

func newUsageResult(u *models.QuotaUsage) *UsageResult {
	pct := u.UsagePercent()
	return &UsageResult{
		Usage:             u,
		UsagePercent:      pct,
		IsOverLimit:       pct >= 100,
		RemainingRequests: remaining(u.QuotaLimit, u.CurrentRequests),
		RemainingTokens:   remaining(u.QuotaLimitTokens, u.CurrentTokens),
	}
}

func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return -1
	}
	return max(limit-used, 0)
}

// SyncProviders stores provider reference data.
func (g *Governor) SyncProviders(ctx context.Context, providers []models.Provider) error {
	for i := range providers {
		if err := g.store.UpsertProvider(ctx, &providers[i]); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureAlerts stores scoped alert configs.
func (g *Governor) ConfigureAlerts(ctx context.Context, configs []models.AlertConfig) error {
	for i := range configs {
		if err := g.store.UpsertAlertConfig(ctx, &configs[i]); err != nil {
			return err
		}
	}
	return nil
}

// IncrementUsage adds requests and tokens to the (provider, project) counter,
// resetting it first if its period has ended, and evaluates alert thresholds.
// A nil projectID is the provider-wide counter.
func (g *Governor) IncrementUsage(ctx context.Context, providerID string, projectID *string, requests, tokens int64) (*UsageResult, error) {
	now := g.now().UTC()
	u, err := g.currentUsage(ctx, providerID, projectID, now)
	if err != nil {
		return nil, err
	}

	u, err = g.store.IncrementUsage(ctx, u.ID, requests, tokens)
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}

	res := newUsageResult(u)
	g.recorder.SetQuotaUsage(providerID, scopeName(projectID), res.UsagePercent)
	logx.Debug(ctx, "quota", "%s/%s at %.1f%% (%d req, %d tok)", providerID, scopeName(projectID),
		res.UsagePercent, u.CurrentRequests, u.CurrentTokens)

	cfg, err := g.ResolveConfig(ctx, providerID, projectID)
	if err != nil {
		return nil, err
	}
	alert, err := g.evaluate(ctx, u, cfg, now)
	if err != nil {
		return nil, err
	}
	res.Alert = alert
	return res, nil
}

// currentUsage returns the counter for the scope, creating it from the
// provider's limits or rolling it into the current period as needed.
func (g *Governor) currentUsage(ctx context.Context, providerID string, projectID *string, now time.Time) (*models.QuotaUsage, error) {
	u, err := g.store.GetUsage(ctx, providerID, projectID)
	if errors.Is(err, persistence.ErrNotFound) {
		provider, err := g.provider(ctx, providerID)
		if err != nil {
			return nil, err
		}
		fresh := &models.QuotaUsage{
			ProviderID:       providerID,
			ProjectID:        projectID,
			QuotaLimit:       provider.QuotaRequests,
			QuotaLimitTokens: provider.QuotaTokens,
			PeriodStart:      now,
			PeriodEnd:        now.Add(periodOf(provider)),
			UpdatedAt:        now,
		}
		if _, err := g.store.CreateUsage(ctx, fresh); err != nil {
			return nil, err
		}
		// Re-read: a concurrent caller may have created the row first.
		return g.store.GetUsage(ctx, providerID, projectID)
	}
	if err != nil {
		return nil, err
	}
	if now.Before(u.PeriodEnd) {
		return u, nil
	}
	if err := g.rollPeriod(ctx, u, now); err != nil {
		return nil, err
	}
	return g.store.GetUsageByID(ctx, u.ID)
}

// rollPeriod zeroes an expired counter, advances its window by whole periods
// so that it contains now, and resolves the old period's alerts.
func (g *Governor) rollPeriod(ctx context.Context, u *models.QuotaUsage, now time.Time) error {
	provider, err := g.provider(ctx, u.ProviderID)
	if err != nil {
		return err
	}
	period := periodOf(provider)
	elapsed := now.Sub(u.PeriodEnd)
	start := u.PeriodEnd.Add(elapsed / period * period)
	end := start.Add(period)

	reset, err := g.store.ResetUsage(ctx, u.ID, u.PeriodEnd, start, end, provider.QuotaRequests, provider.QuotaTokens)
	if err != nil {
		return err
	}
	if !reset {
		// Another caller rolled it first.
		return nil
	}
	resolved, err := g.store.ResolveAlertsForUsage(ctx, u.ID, now)
	if err != nil {
		return err
	}
	g.logger.Info("quota period reset for %s/%s (%d alert(s) resolved), next reset %s",
		u.ProviderID, scopeName(u.ProjectID), resolved, end.Format(time.RFC3339))
	return nil
}

func (g *Governor) provider(ctx context.Context, id string) (*models.Provider, error) {
	p, err := g.store.GetProvider(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, err
}

func periodOf(p *models.Provider) time.Duration {
	if p.QuotaPeriod <= 0 {
		return defaultPeriod
	}
	return p.QuotaPeriod
}

// ResolveConfig picks the most specific stored AlertConfig for the scope:
// provider and project, then project only, then provider only, then the
// global row, then the governor defaults.
func (g *Governor) ResolveConfig(ctx context.Context, providerID string, projectID *string) (models.AlertConfig, error) {
	project := ""
	if projectID != nil {
		project = *projectID
	}
	type scope struct{ provider, project string }
	candidates := []scope{{providerID, project}, {"", project}, {providerID, ""}, {"", ""}}

	seen := make(map[scope]bool, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		cfg, err := g.store.GetAlertConfig(ctx, c.provider, c.project)
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.AlertConfig{}, err
		}
		return *cfg, nil
	}
	return g.defaults, nil
}

// SweepExpiredPeriods resets every counter whose period has ended. Reads and
// increments reset lazily, so this only keeps stored rows current.
func (g *Governor) SweepExpiredPeriods(ctx context.Context) (int, error) {
	now := g.now().UTC()
	expired, err := g.store.ListExpiredUsages(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range expired {
		if err := g.rollPeriod(ctx, &expired[i], now); err != nil {
			g.logger.Warn("sweep: reset %s: %v", expired[i].ID, err)
			continue
		}
		n++
	}
	return n, nil
}

func scopeName(projectID *string) string {
	if projectID == nil {
		return "*"
	}
	return *projectID
}
