package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentfleet/pkg/models"
)

// QuotaRepo handles providers, usage counters, alerts and alert configs.
type QuotaRepo struct{ s *Store }

// UpsertProvider inserts or replaces a provider's reference data.
func (r *QuotaRepo) UpsertProvider(ctx context.Context, p *models.Provider) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, type, base_url, requests_per_minute, tokens_per_minute,
			quota_requests, quota_tokens, quota_period_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type, base_url = excluded.base_url,
			requests_per_minute = excluded.requests_per_minute, tokens_per_minute = excluded.tokens_per_minute,
			quota_requests = excluded.quota_requests, quota_tokens = excluded.quota_tokens,
			quota_period_ms = excluded.quota_period_ms, updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Type, p.BaseURL, p.RequestsPerMinute, p.TokensPerMinute,
		p.QuotaRequests, p.QuotaTokens, p.QuotaPeriod.Milliseconds(), ts(r.s.now()))
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider by id.
func (r *QuotaRepo) GetProvider(ctx context.Context, id string) (*models.Provider, error) {
	var (
		p        models.Provider
		periodMS int64
	)
	err := r.s.db.QueryRowContext(ctx,
		`SELECT id, name, type, base_url, requests_per_minute, tokens_per_minute, quota_requests, quota_tokens, quota_period_ms
		 FROM providers WHERE id = ?`, id).Scan(
		&p.ID, &p.Name, &p.Type, &p.BaseURL, &p.RequestsPerMinute, &p.TokensPerMinute,
		&p.QuotaRequests, &p.QuotaTokens, &periodMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	p.QuotaPeriod = time.Duration(periodMS) * time.Millisecond
	return &p, nil
}

const usageColumns = `id, provider_id, project_id, current_requests, current_tokens, quota_limit, quota_limit_tokens,
	period_start, period_end, last_reset_at, last_alert_at, overage_count, updated_at`

// GetUsage retrieves the counter for (provider, project); nil project is the provider-wide row.
func (r *QuotaRepo) GetUsage(ctx context.Context, providerID string, projectID *string) (*models.QuotaUsage, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM quota_usage WHERE provider_id = ? AND project_id = ?`,
		providerID, scope(projectID))
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage %s/%s: %w", providerID, scope(projectID), ErrNotFound)
	}
	return u, err
}

// GetUsageByID retrieves a counter by id.
func (r *QuotaRepo) GetUsageByID(ctx context.Context, id string) (*models.QuotaUsage, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM quota_usage WHERE id = ?`, id)
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage %s: %w", id, ErrNotFound)
	}
	return u, err
}

// CreateUsage inserts a counter unless one already exists for the same
// (provider, project); it reports whether this call created it.
func (r *QuotaRepo) CreateUsage(ctx context.Context, u *models.QuotaUsage) (bool, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.UpdatedAt = r.s.stamp(u.UpdatedAt)
	res, err := r.s.db.ExecContext(ctx,
		`INSERT INTO quota_usage (`+usageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, project_id) DO NOTHING`,
		u.ID, u.ProviderID, scope(u.ProjectID), u.CurrentRequests, u.CurrentTokens, u.QuotaLimit, u.QuotaLimitTokens,
		ts(u.PeriodStart), ts(u.PeriodEnd), nullTS(u.LastResetAt), nullTS(u.LastAlertAt), u.OverageCount, ts(u.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("create usage: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// ResetUsage zeroes the counters and moves the period window, provided the
// row still ends at expectedEnd. Limits are refreshed from the provider.
func (r *QuotaRepo) ResetUsage(ctx context.Context, id string, expectedEnd, start, end time.Time, limit, limitTokens int64) (bool, error) {
	now := ts(r.s.now())
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE quota_usage SET current_requests = 0, current_tokens = 0, period_start = ?, period_end = ?,
			quota_limit = ?, quota_limit_tokens = ?, last_reset_at = ?, updated_at = ?
		 WHERE id = ? AND period_end = ?`,
		ts(start), ts(end), limit, limitTokens, now, now, id, ts(expectedEnd))
	if err != nil {
		return false, fmt.Errorf("reset usage: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// IncrementUsage adds to the counters in one statement and returns the new row.
// overage_count grows on every increment that leaves either counter above its limit.
func (r *QuotaRepo) IncrementUsage(ctx context.Context, id string, requests, tokens int64) (*models.QuotaUsage, error) {
	row := r.s.db.QueryRowContext(ctx,
		`UPDATE quota_usage SET
			current_requests = current_requests + ?,
			current_tokens = current_tokens + ?,
			overage_count = overage_count + CASE
				WHEN (quota_limit > 0 AND current_requests + ? > quota_limit)
				  OR (quota_limit_tokens > 0 AND current_tokens + ? > quota_limit_tokens) THEN 1 ELSE 0 END,
			updated_at = ?
		 WHERE id = ?
		 RETURNING `+usageColumns,
		requests, tokens, requests, tokens, ts(r.s.now()), id)
	u, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage %s: %w", id, ErrNotFound)
	}
	return u, err
}

// SetLastAlertAt stamps the counter with the time of its latest alert.
func (r *QuotaRepo) SetLastAlertAt(ctx context.Context, id string, at time.Time) error {
	if _, err := r.s.db.ExecContext(ctx,
		`UPDATE quota_usage SET last_alert_at = ? WHERE id = ?`, ts(at), id); err != nil {
		return fmt.Errorf("set last alert: %w", err)
	}
	return nil
}

// ListUsages returns every counter, optionally only those of one project.
func (r *QuotaRepo) ListUsages(ctx context.Context, projectID *string) ([]models.QuotaUsage, error) {
	q := `SELECT ` + usageColumns + ` FROM quota_usage`
	var args []any
	if projectID != nil {
		q += ` WHERE project_id = ?`
		args = append(args, *projectID)
	}
	q += ` ORDER BY provider_id, project_id`
	return r.queryUsages(ctx, q, args...)
}

// ListExpiredUsages returns counters whose period ended at or before now.
func (r *QuotaRepo) ListExpiredUsages(ctx context.Context, now time.Time) ([]models.QuotaUsage, error) {
	return r.queryUsages(ctx,
		`SELECT `+usageColumns+` FROM quota_usage WHERE period_end <= ? ORDER BY period_end`, ts(now))
}

func (r *QuotaRepo) queryUsages(ctx context.Context, q string, args ...any) ([]models.QuotaUsage, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list usages: %w", err)
	}
	defer rows.Close()

	var out []models.QuotaUsage
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func scanUsage(row rowScanner) (*models.QuotaUsage, error) {
	var (
		u           models.QuotaUsage
		projectID   string
		periodStart string
		periodEnd   string
		lastReset   sql.NullString
		lastAlert   sql.NullString
		updatedAt   string
	)
	err := row.Scan(&u.ID, &u.ProviderID, &projectID, &u.CurrentRequests, &u.CurrentTokens, &u.QuotaLimit,
		&u.QuotaLimitTokens, &periodStart, &periodEnd, &lastReset, &lastAlert, &u.OverageCount, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan usage: %w", err)
	}
	u.ProjectID = scopePtr(projectID)
	u.PeriodStart = parseTS(periodStart)
	u.PeriodEnd = parseTS(periodEnd)
	u.LastResetAt = tsPtr(lastReset)
	u.LastAlertAt = tsPtr(lastAlert)
	u.UpdatedAt = parseTS(updatedAt)
	return &u, nil
}

const alertColumns = `id, quota_usage_id, provider_id, project_id, alert_type, status, threshold_percent, usage_percent,
	message, escalation_count, escalation_at, channels_sent, acknowledged_by, acknowledged_at, resolved_at, created_at`

// InsertAlert creates an alert and fills its id.
func (r *QuotaRepo) InsertAlert(ctx context.Context, a *models.QuotaAlert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AlertActive
	}
	a.CreatedAt = r.s.stamp(a.CreatedAt)
	channels, err := json.Marshal(nonNilStrings(a.ChannelsSent))
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO quota_alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.QuotaUsageID, a.ProviderID, nullString(a.ProjectID), string(a.AlertType), string(a.Status),
		a.ThresholdPercent, a.UsagePercent, a.Message, a.EscalationCount, nullTS(a.EscalationAt), string(channels),
		a.AcknowledgedBy, nullTS(a.AcknowledgedAt), nullTS(a.ResolvedAt), ts(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by id.
func (r *QuotaRepo) GetAlert(ctx context.Context, id string) (*models.QuotaAlert, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM quota_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a, err
}

// HasRecentActiveAlert reports whether an active alert for (usage, threshold)
// was created at or after since.
func (r *QuotaRepo) HasRecentActiveAlert(ctx context.Context, usageID string, threshold float64, since time.Time) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quota_alerts
		 WHERE quota_usage_id = ? AND threshold_percent = ? AND status = 'active' AND created_at >= ?`,
		usageID, threshold, ts(since)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count recent alerts: %w", err)
	}
	return n > 0, nil
}

// MaxActiveThreshold returns the highest threshold among the counter's active
// alerts; ok is false when none are active.
func (r *QuotaRepo) MaxActiveThreshold(ctx context.Context, usageID string) (threshold float64, ok bool, err error) {
	var v sql.NullFloat64
	err = r.s.db.QueryRowContext(ctx,
		`SELECT MAX(threshold_percent) FROM quota_alerts WHERE quota_usage_id = ? AND status = 'active'`,
		usageID).Scan(&v)
	if err != nil {
		return 0, false, fmt.Errorf("max active threshold: %w", err)
	}
	return v.Float64, v.Valid, nil
}

// SetAlertChannels records the channels a notification reached.
func (r *QuotaRepo) SetAlertChannels(ctx context.Context, id string, channels []string) error {
	data, err := json.Marshal(nonNilStrings(channels))
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	if _, err := r.s.db.ExecContext(ctx, `UPDATE quota_alerts SET channels_sent = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("set alert channels: %w", err)
	}
	return nil
}

// ListAlerts returns alerts in creation order; an empty status lists all.
func (r *QuotaRepo) ListAlerts(ctx context.Context, status models.AlertStatus) ([]models.QuotaAlert, error) {
	q := `SELECT ` + alertColumns + ` FROM quota_alerts`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at ASC`

	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.QuotaAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// EscalateAlert bumps escalation_count of a still-active alert.
func (r *QuotaRepo) EscalateAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE quota_alerts SET escalation_count = escalation_count + 1, escalation_at = ?
		 WHERE id = ? AND status = 'active'`, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("escalate alert: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// AcknowledgeAlert moves an active alert to acknowledged.
func (r *QuotaRepo) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE quota_alerts SET status = 'acknowledged', acknowledged_by = ?, acknowledged_at = ?
		 WHERE id = ? AND status = 'active'`, by, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("acknowledge alert: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// ResolveAlert moves an unresolved alert to resolved.
func (r *QuotaRepo) ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE quota_alerts SET status = 'resolved', resolved_at = ? WHERE id = ? AND status != 'resolved'`,
		ts(at), id)
	if err != nil {
		return false, fmt.Errorf("resolve alert: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// ResolveAlertsForUsage resolves every unresolved alert of a counter.
func (r *QuotaRepo) ResolveAlertsForUsage(ctx context.Context, usageID string, at time.Time) (int64, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE quota_alerts SET status = 'resolved', resolved_at = ? WHERE quota_usage_id = ? AND status != 'resolved'`,
		ts(at), usageID)
	if err != nil {
		return 0, fmt.Errorf("resolve usage alerts: %w", err)
	}
	return affected(res)
}

func scanAlert(row rowScanner) (*models.QuotaAlert, error) {
	var (
		a            models.QuotaAlert
		projectID    sql.NullString
		alertType    string
		status       string
		escalationAt sql.NullString
		channels     string
		ackAt        sql.NullString
		resolvedAt   sql.NullString
		createdAt    string
	)
	err := row.Scan(&a.ID, &a.QuotaUsageID, &a.ProviderID, &projectID, &alertType, &status, &a.ThresholdPercent,
		&a.UsagePercent, &a.Message, &a.EscalationCount, &escalationAt, &channels, &a.AcknowledgedBy, &ackAt,
		&resolvedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.ProjectID = strPtr(projectID)
	a.AlertType = models.AlertType(alertType)
	a.Status = models.AlertStatus(status)
	a.EscalationAt = tsPtr(escalationAt)
	a.AcknowledgedAt = tsPtr(ackAt)
	a.ResolvedAt = tsPtr(resolvedAt)
	a.CreatedAt = parseTS(createdAt)
	if err := json.Unmarshal([]byte(channels), &a.ChannelsSent); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	return &a, nil
}

// UpsertAlertConfig inserts or replaces the config for its (provider, project) scope.
func (r *QuotaRepo) UpsertAlertConfig(ctx context.Context, c *models.AlertConfig) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	channels, err := json.Marshal(nonNilStrings(c.Channels))
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO alert_configs (id, provider_id, project_id, warning_percent, critical_percent, emergency_percent,
			channels, cooldown_minutes, escalation_enabled, escalation_minutes, max_escalations)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, project_id) DO UPDATE SET
			warning_percent = excluded.warning_percent, critical_percent = excluded.critical_percent,
			emergency_percent = excluded.emergency_percent, channels = excluded.channels,
			cooldown_minutes = excluded.cooldown_minutes, escalation_enabled = excluded.escalation_enabled,
			escalation_minutes = excluded.escalation_minutes, max_escalations = excluded.max_escalations`,
		c.ID, scope(c.ProviderID), scope(c.ProjectID), c.WarningPercent, c.CriticalPercent, c.EmergencyPercent,
		string(channels), c.CooldownMinutes, boolInt(c.EscalationEnabled), c.EscalationMinutes, c.MaxEscalations)
	if err != nil {
		return fmt.Errorf("upsert alert config: %w", err)
	}
	return nil
}

// GetAlertConfig returns the config stored for exactly this scope; empty
// strings select the provider-agnostic or project-agnostic rows.
func (r *QuotaRepo) GetAlertConfig(ctx context.Context, providerID, projectID string) (*models.AlertConfig, error) {
	var (
		c          models.AlertConfig
		provider   string
		project    string
		channels   string
		escalation int
	)
	err := r.s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, project_id, warning_percent, critical_percent, emergency_percent, channels,
			cooldown_minutes, escalation_enabled, escalation_minutes, max_escalations
		 FROM alert_configs WHERE provider_id = ? AND project_id = ?`, providerID, projectID).Scan(
		&c.ID, &provider, &project, &c.WarningPercent, &c.CriticalPercent, &c.EmergencyPercent, &channels,
		&c.CooldownMinutes, &escalation, &c.EscalationMinutes, &c.MaxEscalations)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert config %s/%s: %w", providerID, projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert config: %w", err)
	}
	c.ProviderID = scopePtr(provider)
	c.ProjectID = scopePtr(project)
	c.EscalationEnabled = escalation != 0
	if err := json.Unmarshal([]byte(channels), &c.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	return &c, nil
}
