package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

// crossing is one threshold the usage has reached.
type crossing struct {
	alertType models.AlertType
	threshold float64
	label     string
}

// highestCrossing returns the highest threshold pct has reached, if any.
func highestCrossing(cfg models.AlertConfig, pct float64) (crossing, bool) {
	levels := []crossing{
		{models.AlertOverage, 100, "quota exceeded"},
		{models.AlertCritical, cfg.EmergencyPercent, "emergency"},
		{models.AlertCritical, cfg.CriticalPercent, "critical"},
		{models.AlertWarning, cfg.WarningPercent, "warning"},
	}
	for _, l := range levels {
		if l.threshold > 0 && pct >= l.threshold {
			return l, true
		}
	}
	return crossing{}, false
}

// evaluate raises at most one alert for the usage row: the highest crossed
// threshold, unless an active alert already covers a higher one or the same
// threshold alerted within the cooldown window.
func (g *Governor) evaluate(ctx context.Context, u *models.QuotaUsage, cfg models.AlertConfig, now time.Time) (*models.QuotaAlert, error) {
	pct := u.UsagePercent()
	c, ok := highestCrossing(cfg, pct)
	if !ok {
		return nil, nil
	}

	top, hasActive, err := g.store.MaxActiveThreshold(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if hasActive && top > c.threshold {
		return nil, nil
	}

	cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
	recent, err := g.store.HasRecentActiveAlert(ctx, u.ID, c.threshold, now.Add(-cooldown))
	if err != nil {
		return nil, err
	}
	if recent {
		return nil, nil
	}

	alert := &models.QuotaAlert{
		QuotaUsageID:     u.ID,
		ProviderID:       u.ProviderID,
		ProjectID:        u.ProjectID,
		AlertType:        c.alertType,
		Status:           models.AlertActive,
		ThresholdPercent: c.threshold,
		UsagePercent:     pct,
		Message: fmt.Sprintf("%s quota %s: %.1f%% used (threshold %.0f%%)",
			u.ProviderID, c.label, pct, c.threshold),
		CreatedAt: now,
	}
	if u.ProjectID != nil {
		alert.Message = fmt.Sprintf("%s [project %s]", alert.Message, *u.ProjectID)
	}
	if err := g.store.InsertAlert(ctx, alert); err != nil {
		return nil, err
	}

	alert.ChannelsSent = g.notify(ctx, cfg.Channels, alert)
	if err := g.store.SetAlertChannels(ctx, alert.ID, alert.ChannelsSent); err != nil {
		return nil, err
	}
	if err := g.store.SetLastAlertAt(ctx, u.ID, now); err != nil {
		return nil, err
	}
	g.recorder.IncQuotaAlert(u.ProviderID, string(alert.AlertType), false)
	g.logger.Warn("%s", alert.Message)
	return alert, nil
}

// notify fans the alert out and returns the channels that accepted it.
func (g *Governor) notify(ctx context.Context, channels []string, alert *models.QuotaAlert) []string {
	sent := make([]string, 0, len(channels))
	for _, ch := range channels {
		n, ok := g.notifiers[ch]
		if !ok {
			continue
		}
		if err := n.Notify(ctx, ch, alert); err != nil {
			g.logger.Warn("notify %s for alert %s failed: %v", ch, alert.ID, err)
			continue
		}
		sent = append(sent, ch)
	}
	return sent
}

// CheckEscalations re-notifies active alerts that have gone unacknowledged
// for the configured escalation interval. It returns the number escalated.
func (g *Governor) CheckEscalations(ctx context.Context) (int, error) {
	now := g.now().UTC()
	active, err := g.store.ListAlerts(ctx, models.AlertActive)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for i := range active {
		a := &active[i]
		cfg, err := g.ResolveConfig(ctx, a.ProviderID, a.ProjectID)
		if err != nil {
			return escalated, err
		}
		if !cfg.EscalationEnabled || a.EscalationCount >= cfg.MaxEscalations {
			continue
		}
		since := a.CreatedAt
		if a.EscalationAt != nil {
			since = *a.EscalationAt
		}
		if now.Sub(since) < time.Duration(cfg.EscalationMinutes)*time.Minute {
			continue
		}

		ok, err := g.store.EscalateAlert(ctx, a.ID, now)
		if err != nil {
			return escalated, err
		}
		if !ok {
			// Acknowledged or resolved since the listing.
			continue
		}
		a.EscalationCount++
		a.EscalationAt = &now
		g.notify(ctx, cfg.Channels, a)
		g.recorder.IncQuotaAlert(a.ProviderID, string(a.AlertType), true)
		g.logger.Warn("escalated alert %s (%d/%d)", a.ID, a.EscalationCount, cfg.MaxEscalations)
		escalated++
	}
	return escalated, nil
}

// Acknowledge stops escalation of an active alert.
func (g *Governor) Acknowledge(ctx context.Context, alertID, by string) error {
	ok, err := g.store.AcknowledgeAlert(ctx, alertID, by, g.now().UTC())
	if err != nil {
		return err
	}
	if ok {
		g.logger.Info("alert %s acknowledged by %s", alertID, by)
		return nil
	}
	if _, err := g.store.GetAlert(ctx, alertID); errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlertNotActive, alertID)
}

// Resolve closes an alert. Resolving a resolved alert is a no-op.
func (g *Governor) Resolve(ctx context.Context, alertID string) error {
	ok, err := g.store.ResolveAlert(ctx, alertID, g.now().UTC())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := g.store.GetAlert(ctx, alertID); errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	} else if err != nil {
		return err
	}
	return nil
}

// ListAlerts returns alerts with the given status; empty lists all.
func (g *Governor) ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.QuotaAlert, error) {
	return g.store.ListAlerts(ctx, status)
}
