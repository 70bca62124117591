// Package autopause pauses running projects whose quota usage crosses a
// per-project threshold and resumes them once the quota period resets.
package autopause

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
	"agentfleet/pkg/statemachine"
)

var (
	// ErrNotPaused is returned when overriding a project that is not paused.
	ErrNotPaused = errors.New("project is not paused")
	// ErrInvalidSetting is returned by Configure for out-of-range thresholds.
	ErrInvalidSetting = errors.New("invalid auto-pause setting")
)

// Actor recorded as InitiatedBy on automated transitions.
const Actor = "autopause"

// Store is the persistence the controller needs.
type Store interface {
	UpsertSetting(ctx context.Context, st *models.AutoPauseSetting) error
	GetSetting(ctx context.Context, projectID string) (*models.AutoPauseSetting, error)
	ListEnabledSettings(ctx context.Context) ([]models.AutoPauseSetting, error)
	InsertLog(ctx context.Context, l *models.AutoPauseLog) error
	GetActivePauseLog(ctx context.Context, projectID string) (*models.AutoPauseLog, error)
	GetLatestOverride(ctx context.Context, projectID string) (*models.AutoPauseLog, error)
	ListActivePauseLogs(ctx context.Context) ([]models.AutoPauseLog, error)
	ListLogs(ctx context.Context, projectID string) ([]models.AutoPauseLog, error)
	MarkResumed(ctx context.Context, id string, at time.Time) (bool, error)
	MarkOverridden(ctx context.Context, id, by string, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error)
}

// StateMachine is the lifecycle surface the controller drives.
type StateMachine interface {
	Current(ctx context.Context, projectID string) (*models.ProjectStatus, error)
	Transition(ctx context.Context, req statemachine.Request) (*models.StateTransition, error)
}

// UsageSource reports the quota usage governing a project.
type UsageSource interface {
	UsagePercentForProject(ctx context.Context, projectID, providerID string) (*models.QuotaUsage, float64, error)
}

// Controller is the auto-pause service.
type Controller struct {
	store            Store
	machine          StateMachine
	usage            UsageSource
	defaultThreshold float64
	recorder         metrics.Recorder
	logger           *logx.Logger
	now              func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithDefaultThreshold applies to settings stored without a threshold.
func WithDefaultThreshold(pct float64) Option {
	return func(c *Controller) { c.defaultThreshold = pct }
}

// New creates a controller.
func New(store Store, machine StateMachine, usage UsageSource, opts ...Option) *Controller {
	c := &Controller{
		store:            store,
		machine:          machine,
		usage:            usage,
		defaultThreshold: 95,
		recorder:         metrics.Nop(),
		logger:           logx.NewLogger("autopause"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure stores a project's auto-pause setting. A zero threshold takes
// the controller default.
func (c *Controller) Configure(ctx context.Context, st models.AutoPauseSetting) error {
	if st.ProjectID == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidSetting)
	}
	if st.ThresholdPercent == 0 {
		st.ThresholdPercent = c.defaultThreshold
	}
	if st.ThresholdPercent < 0 || st.ThresholdPercent > 100 {
		return fmt.Errorf("%w: threshold %.1f outside (0,100]", ErrInvalidSetting, st.ThresholdPercent)
	}
	return c.store.UpsertSetting(ctx, &st)
}

// Setting returns a project's stored setting.
func (c *Controller) Setting(ctx context.Context, projectID string) (*models.AutoPauseSetting, error) {
	return c.store.GetSetting(ctx, projectID)
}

// History returns a project's pause log, oldest first.
func (c *Controller) History(ctx context.Context, projectID string) ([]models.AutoPauseLog, error) {
	return c.store.ListLogs(ctx, projectID)
}

// CheckQuotasAndPause pauses every running project with auto-pause enabled
// whose usage is at or above its threshold. Projects in any other state are
// left alone. Per-project failures are logged and joined into the result.
func (c *Controller) CheckQuotasAndPause(ctx context.Context) ([]models.AutoPauseLog, error) {
	settings, err := c.store.ListEnabledSettings(ctx)
	if err != nil {
		return nil, err
	}

	var (
		paused []models.AutoPauseLog
		errs   []error
	)
	for i := range settings {
		log, err := c.checkProject(ctx, &settings[i])
		if err != nil {
			c.logger.Warn("auto-pause check for %s failed: %v", settings[i].ProjectID, err)
			errs = append(errs, fmt.Errorf("project %s: %w", settings[i].ProjectID, err))
			continue
		}
		if log != nil {
			paused = append(paused, *log)
		}
	}
	return paused, errors.Join(errs...)
}

func (c *Controller) checkProject(ctx context.Context, st *models.AutoPauseSetting) (*models.AutoPauseLog, error) {
	threshold := st.ThresholdPercent
	if threshold <= 0 {
		threshold = c.defaultThreshold
	}

	usage, pct, err := c.usage.UsagePercentForProject(ctx, st.ProjectID, st.ProviderID)
	if err != nil {
		return nil, err
	}
	if usage == nil || pct < threshold {
		return nil, nil
	}

	current, err := c.machine.Current(ctx, st.ProjectID)
	if err != nil {
		return nil, err
	}
	if current == nil || *current != models.ProjectRunning {
		logx.Debug(ctx, "autopause", "%s at %.1f%% but not running, skipping", st.ProjectID, pct)
		return nil, nil
	}

	overridden, err := c.overriddenInPeriod(ctx, st.ProjectID, usage)
	if err != nil {
		return nil, err
	}
	if overridden {
		logx.Debug(ctx, "autopause", "%s overridden for the current quota period, skipping", st.ProjectID)
		return nil, nil
	}

	trigger := models.TriggerQuotaThreshold
	if pct >= 100 {
		trigger = models.TriggerQuotaExceeded
	}
	_, err = c.machine.Transition(ctx, statemachine.Request{
		ProjectID:   st.ProjectID,
		From:        current,
		To:          models.ProjectPaused,
		Source:      models.SourceAutomation,
		InitiatedBy: Actor,
		Reason:      fmt.Sprintf("%s quota at %.1f%% (threshold %.0f%%)", usage.ProviderID, pct, threshold),
		Metadata: map[string]any{
			"trigger":           string(trigger),
			"provider_id":       usage.ProviderID,
			"usage_percent":     pct,
			"threshold_percent": threshold,
		},
	})
	var obsErr *statemachine.ObserverError
	switch {
	case errors.As(err, &obsErr):
		// Committed; observer failures are already logged.
	case errors.Is(err, statemachine.ErrConcurrentTransition):
		logx.Debug(ctx, "autopause", "%s changed state concurrently, skipping", st.ProjectID)
		return nil, nil
	case err != nil:
		return nil, err
	}

	now := c.now().UTC()
	// A leftover paused log means the project was resumed outside the controller.
	if stale, err := c.store.GetActivePauseLog(ctx, st.ProjectID); err == nil {
		if _, err := c.store.MarkCancelled(ctx, stale.ID, now); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	periodEnd := usage.PeriodEnd
	log := &models.AutoPauseLog{
		ProjectID:        st.ProjectID,
		ProviderID:       usage.ProviderID,
		Trigger:          trigger,
		Status:           models.PausePaused,
		ThresholdPercent: threshold,
		UsagePercent:     pct,
		AutoResume:       st.AutoResume,
		QuotaPeriodEnd:   &periodEnd,
		PausedAt:         &now,
		CreatedAt:        now,
	}
	if err := c.store.InsertLog(ctx, log); err != nil {
		// Without a log nothing would ever auto-resume the project.
		return nil, c.undoPause(ctx, st.ProjectID, err)
	}
	c.recorder.IncAutoPause("pause")
	c.logger.Warn("paused project %s: %s quota at %.1f%% (threshold %.0f%%)",
		st.ProjectID, usage.ProviderID, pct, threshold)
	return log, nil
}

// overriddenInPeriod reports whether an operator overrode a pause of the
// project during the quota period that usage belongs to.
func (c *Controller) overriddenInPeriod(ctx context.Context, projectID string, usage *models.QuotaUsage) (bool, error) {
	l, err := c.store.GetLatestOverride(ctx, projectID)
	if errors.Is(err, persistence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if l.OverrideAt == nil {
		return false, nil
	}
	return !l.OverrideAt.Before(usage.PeriodStart), nil
}

// undoPause moves a project paused without a log back to running.
func (c *Controller) undoPause(ctx context.Context, projectID string, cause error) error {
	c.logger.Error("pause log for %s not written, resuming: %v", projectID, cause)
	_, err := c.machine.Transition(ctx, statemachine.Request{
		ProjectID:   projectID,
		From:        statusPtr(models.ProjectPaused),
		To:          models.ProjectRunning,
		Source:      models.SourceSystem,
		InitiatedBy: Actor,
		Reason:      "pause log write failed",
	})
	var obsErr *statemachine.ObserverError
	if err != nil && !errors.As(err, &obsErr) {
		c.logger.Error("project %s left paused without a pause log: %v", projectID, err)
		return errors.Join(cause, err)
	}
	return cause
}

func statusPtr(s models.ProjectStatus) *models.ProjectStatus { return &s }

// CheckAndAutoResume resumes projects paused for quota whose quota period
// has since reset, provided the pause allows auto-resume and the project is
// still paused. It returns the number of projects resumed.
func (c *Controller) CheckAndAutoResume(ctx context.Context) (int, error) {
	logs, err := c.store.ListActivePauseLogs(ctx)
	if err != nil {
		return 0, err
	}

	now := c.now().UTC()
	resumed := 0
	var errs []error
	for i := range logs {
		l := &logs[i]
		if !l.Trigger.IsQuotaBased() || !l.AutoResume {
			continue
		}
		if l.QuotaPeriodEnd == nil || now.Before(*l.QuotaPeriodEnd) {
			continue
		}
		ok, err := c.resume(ctx, l, now)
		if err != nil {
			c.logger.Warn("auto-resume of %s failed: %v", l.ProjectID, err)
			errs = append(errs, fmt.Errorf("project %s: %w", l.ProjectID, err))
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

func (c *Controller) resume(ctx context.Context, l *models.AutoPauseLog, now time.Time) (bool, error) {
	current, err := c.machine.Current(ctx, l.ProjectID)
	if err != nil {
		return false, err
	}
	if current == nil || *current != models.ProjectPaused {
		// Moved on by someone else; the pause cycle is over.
		_, err := c.store.MarkCancelled(ctx, l.ID, now)
		return false, err
	}

	_, err = c.machine.Transition(ctx, statemachine.Request{
		ProjectID:   l.ProjectID,
		From:        current,
		To:          models.ProjectRunning,
		Source:      models.SourceAutomation,
		InitiatedBy: Actor,
		Reason:      "quota period reset",
		Metadata:    map[string]any{"pause_log_id": l.ID, "provider_id": l.ProviderID},
	})
	var obsErr *statemachine.ObserverError
	if err != nil && !errors.As(err, &obsErr) {
		if errors.Is(err, statemachine.ErrConcurrentTransition) {
			return false, nil
		}
		return false, err
	}

	if _, err := c.store.MarkResumed(ctx, l.ID, now); err != nil {
		return false, err
	}
	c.recorder.IncAutoPause("resume")
	c.logger.Info("resumed project %s after quota reset", l.ProjectID)
	return true, nil
}

// ApplyManualOverride ends the current pause cycle on operator request. With
// resume the project goes back to running immediately; without it the
// project stays paused but will no longer auto-resume.
func (c *Controller) ApplyManualOverride(ctx context.Context, projectID string, resume bool, by string) (*models.AutoPauseLog, error) {
	now := c.now().UTC()

	current, err := c.machine.Current(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if current == nil || *current != models.ProjectPaused {
		return nil, fmt.Errorf("%w: %s", ErrNotPaused, projectID)
	}

	active, err := c.store.GetActivePauseLog(ctx, projectID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	if resume {
		_, err := c.machine.Transition(ctx, statemachine.Request{
			ProjectID:   projectID,
			From:        current,
			To:          models.ProjectRunning,
			Source:      models.SourceUser,
			InitiatedBy: by,
			Reason:      "manual override",
			Metadata:    map[string]any{"trigger": string(models.TriggerManualOverride)},
		})
		var obsErr *statemachine.ObserverError
		if err != nil && !errors.As(err, &obsErr) {
			return nil, err
		}
	}

	if active == nil {
		// Paused without a log (e.g. by hand); record the override itself.
		active = &models.AutoPauseLog{
			ProjectID:  projectID,
			Trigger:    models.TriggerManualOverride,
			Status:     models.PauseOverridden,
			OverrideBy: by,
			OverrideAt: &now,
			CreatedAt:  now,
		}
		if err := c.store.InsertLog(ctx, active); err != nil {
			return nil, err
		}
	} else {
		if _, err := c.store.MarkOverridden(ctx, active.ID, by, now); err != nil {
			return nil, err
		}
		active.Status = models.PauseOverridden
		active.AutoResume = false
		active.OverrideBy = by
		active.OverrideAt = &now
	}

	action := "override_hold"
	if resume {
		action = "override_resume"
	}
	c.recorder.IncAutoPause(action)
	c.logger.Info("manual override on %s by %s (resume=%t)", projectID, by, resume)
	return active, nil
}

// RunCycle resumes eligible projects, then pauses those over threshold.
func (c *Controller) RunCycle(ctx context.Context) error {
	_, resumeErr := c.CheckAndAutoResume(ctx)
	_, pauseErr := c.CheckQuotasAndPause(ctx)
	return errors.Join(resumeErr, pauseErr)
}
