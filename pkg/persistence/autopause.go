package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentfleet/pkg/models"
)

// PauseRepo handles per-project auto-pause settings and the pause log.
type PauseRepo struct{ s *Store }

// UpsertSetting stores the auto-pause setting of a project.
func (r *PauseRepo) UpsertSetting(ctx context.Context, st *models.AutoPauseSetting) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO auto_pause_settings (project_id, provider_id, enabled, threshold_percent, auto_resume, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET provider_id = excluded.provider_id, enabled = excluded.enabled,
			threshold_percent = excluded.threshold_percent, auto_resume = excluded.auto_resume,
			updated_at = excluded.updated_at`,
		st.ProjectID, st.ProviderID, boolInt(st.Enabled), st.ThresholdPercent, boolInt(st.AutoResume), ts(r.s.now()))
	if err != nil {
		return fmt.Errorf("upsert auto-pause setting: %w", err)
	}
	return nil
}

// GetSetting retrieves a project's setting.
func (r *PauseRepo) GetSetting(ctx context.Context, projectID string) (*models.AutoPauseSetting, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT project_id, provider_id, enabled, threshold_percent, auto_resume
		 FROM auto_pause_settings WHERE project_id = ?`, projectID)
	st, err := scanSetting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auto-pause setting %s: %w", projectID, ErrNotFound)
	}
	return st, err
}

// ListEnabledSettings returns every enabled setting.
func (r *PauseRepo) ListEnabledSettings(ctx context.Context) ([]models.AutoPauseSetting, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT project_id, provider_id, enabled, threshold_percent, auto_resume
		 FROM auto_pause_settings WHERE enabled = 1 ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list auto-pause settings: %w", err)
	}
	defer rows.Close()

	var out []models.AutoPauseSetting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanSetting(row rowScanner) (*models.AutoPauseSetting, error) {
	var (
		st         models.AutoPauseSetting
		enabled    int
		autoResume int
	)
	if err := row.Scan(&st.ProjectID, &st.ProviderID, &enabled, &st.ThresholdPercent, &autoResume); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan auto-pause setting: %w", err)
	}
	st.Enabled = enabled != 0
	st.AutoResume = autoResume != 0
	return &st, nil
}

const pauseLogColumns = `id, project_id, provider_id, trigger_type, status, threshold_percent, usage_percent,
	auto_resume, quota_period_end, paused_at, resumed_at, override_by, override_at, created_at`

// InsertLog appends a pause log entry and fills its id.
func (r *PauseRepo) InsertLog(ctx context.Context, l *models.AutoPauseLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.CreatedAt = r.s.stamp(l.CreatedAt)
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO auto_pause_logs (`+pauseLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProjectID, l.ProviderID, string(l.Trigger), string(l.Status), l.ThresholdPercent, l.UsagePercent,
		boolInt(l.AutoResume), nullTS(l.QuotaPeriodEnd), nullTS(l.PausedAt), nullTS(l.ResumedAt), l.OverrideBy,
		nullTS(l.OverrideAt), ts(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert auto-pause log: %w", err)
	}
	return nil
}

// GetActivePauseLog returns the project's newest log still in paused state.
func (r *PauseRepo) GetActivePauseLog(ctx context.Context, projectID string) (*models.AutoPauseLog, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+pauseLogColumns+` FROM auto_pause_logs
		 WHERE project_id = ? AND status = 'paused' ORDER BY created_at DESC, rowid DESC LIMIT 1`, projectID)
	l, err := scanPauseLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active pause for %s: %w", projectID, ErrNotFound)
	}
	return l, err
}

// GetLatestOverride returns the project's most recently overridden log.
func (r *PauseRepo) GetLatestOverride(ctx context.Context, projectID string) (*models.AutoPauseLog, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+pauseLogColumns+` FROM auto_pause_logs
		 WHERE project_id = ? AND status = 'overridden' ORDER BY override_at DESC, rowid DESC LIMIT 1`, projectID)
	l, err := scanPauseLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("override for %s: %w", projectID, ErrNotFound)
	}
	return l, err
}

// ListActivePauseLogs returns every log in paused state, oldest first.
func (r *PauseRepo) ListActivePauseLogs(ctx context.Context) ([]models.AutoPauseLog, error) {
	return r.queryLogs(ctx,
		`SELECT `+pauseLogColumns+` FROM auto_pause_logs WHERE status = 'paused' ORDER BY created_at ASC, rowid ASC`)
}

// ListLogs returns a project's pause history, oldest first.
func (r *PauseRepo) ListLogs(ctx context.Context, projectID string) ([]models.AutoPauseLog, error) {
	return r.queryLogs(ctx,
		`SELECT `+pauseLogColumns+` FROM auto_pause_logs WHERE project_id = ? ORDER BY created_at ASC, rowid ASC`,
		projectID)
}

// MarkResumed closes a paused log. It reports false if the log already left paused.
func (r *PauseRepo) MarkResumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE auto_pause_logs SET status = 'resumed', resumed_at = ? WHERE id = ? AND status = 'paused'`,
		ts(at), id)
	if err != nil {
		return false, fmt.Errorf("mark pause resumed: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// MarkOverridden closes a paused log on operator request and disables its auto-resume.
func (r *PauseRepo) MarkOverridden(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE auto_pause_logs SET status = 'overridden', override_by = ?, override_at = ?, auto_resume = 0
		 WHERE id = ? AND status = 'paused'`,
		by, ts(at), id)
	if err != nil {
		return false, fmt.Errorf("mark pause overridden: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

// MarkCancelled closes a paused log whose project left paused by other means.
func (r *PauseRepo) MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE auto_pause_logs SET status = 'cancelled', resumed_at = ? WHERE id = ? AND status = 'paused'`,
		ts(at), id)
	if err != nil {
		return false, fmt.Errorf("mark pause cancelled: %w", err)
	}
	n, err := affected(res)
	return n == 1, err
}

func (r *PauseRepo) queryLogs(ctx context.Context, q string, args ...any) ([]models.AutoPauseLog, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list auto-pause logs: %w", err)
	}
	defer rows.Close()

	var out []models.AutoPauseLog
	for rows.Next() {
		l, err := scanPauseLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func scanPauseLog(row rowScanner) (*models.AutoPauseLog, error) {
	var (
		l          models.AutoPauseLog
		trigger    string
		status     string
		autoResume int
		periodEnd  sql.NullString
		pausedAt   sql.NullString
		resumedAt  sql.NullString
		overrideAt sql.NullString
		createdAt  string
	)
	err := row.Scan(&l.ID, &l.ProjectID, &l.ProviderID, &trigger, &status, &l.ThresholdPercent, &l.UsagePercent,
		&autoResume, &periodEnd, &pausedAt, &resumedAt, &l.OverrideBy, &overrideAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan auto-pause log: %w", err)
	}
	l.Trigger = models.PauseTrigger(trigger)
	l.Status = models.PauseStatus(status)
	l.AutoResume = autoResume != 0
	l.QuotaPeriodEnd = tsPtr(periodEnd)
	l.PausedAt = tsPtr(pausedAt)
	l.ResumedAt = tsPtr(resumedAt)
	l.OverrideAt = tsPtr(overrideAt)
	l.CreatedAt = parseTS(createdAt)
	return &l, nil
}
