package quota

import (
	"context"
	"errors"

	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

// Admission is the governor's answer to "may this request go out now".
type Admission struct {
	Usage        *models.QuotaUsage
	UsagePercent float64
	IsOverLimit  bool
	// ShouldDefer is set when the counter is over its limit or at the
	// emergency threshold.
	ShouldDefer bool
}

// CheckAdmission evaluates the (provider, project) counter without
// incrementing it. Expired periods are reset first. A scope with no counter
// yet is admitted.
func (g *Governor) CheckAdmission(ctx context.Context, providerID string, projectID *string) (*Admission, error) {
	now := g.now().UTC()
	u, err := g.store.GetUsage(ctx, providerID, projectID)
	if errors.Is(err, persistence.ErrNotFound) {
		return &Admission{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !now.Before(u.PeriodEnd) {
		if err := g.rollPeriod(ctx, u, now); err != nil {
			return nil, err
		}
		if u, err = g.store.GetUsageByID(ctx, u.ID); err != nil {
			return nil, err
		}
	}

	cfg, err := g.ResolveConfig(ctx, providerID, projectID)
	if err != nil {
		return nil, err
	}
	pct := u.UsagePercent()
	adm := &Admission{
		Usage:        u,
		UsagePercent: pct,
		IsOverLimit:  pct >= 100,
	}
	adm.ShouldDefer = adm.IsOverLimit || (cfg.EmergencyPercent > 0 && pct >= cfg.EmergencyPercent)
	return adm, nil
}

// UsagePercentForProject returns the usage governing a project: the
// project's counter for providerID, or the highest of its counters when
// providerID is empty. Expired counters read as zero. nil means the project
// has no counters.
func (g *Governor) UsagePercentForProject(ctx context.Context, projectID, providerID string) (*models.QuotaUsage, float64, error) {
	now := g.now().UTC()
	usages, err := g.store.ListUsages(ctx, &projectID)
	if err != nil {
		return nil, 0, err
	}

	var (
		best    *models.QuotaUsage
		bestPct = -1.0
	)
	for i := range usages {
		u := &usages[i]
		if providerID != "" && u.ProviderID != providerID {
			continue
		}
		pct := u.UsagePercent()
		if !now.Before(u.PeriodEnd) {
			pct = 0
		}
		if pct > bestPct {
			best, bestPct = u, pct
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestPct, nil
}
