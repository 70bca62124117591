package scaler

import (
	"context"
	"sync"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/pool"
)

// CooldownSuffix is appended to the reason of an action skipped by cooldown.
const CooldownSuffix = " [Skipped: cooldown period]"

// MetricsSource supplies pool snapshots.
type MetricsSource interface {
	Metrics(ctx context.Context) (*pool.Metrics, error)
}

// EventStore persists the decision history.
type EventStore interface {
	RecordEvent(ctx context.Context, e *models.ScalingEvent) error
	ListEvents(ctx context.Context, limit int) ([]models.ScalingEvent, error)
	LastActionAt(ctx context.Context, action models.ScalingAction) (*time.Time, error)
}

// ScaleHandler acts on executed scale_up and scale_down decisions.
type ScaleHandler interface {
	Scale(ctx context.Context, rec Recommendation) error
}

// Scaler executes recommendations under independent up and down cooldowns.
type Scaler struct {
	policy   Policy
	source   MetricsSource
	events   EventStore
	handler  ScaleHandler
	recorder metrics.Recorder
	logger   *logx.Logger
	now      func() time.Time

	mu       sync.Mutex
	loaded   bool
	lastUp   *time.Time
	lastDown *time.Time
}

// Option configures a Scaler.
type Option func(*Scaler)

// WithHandler sets the hook that receives executed actions.
func WithHandler(h ScaleHandler) Option {
	return func(s *Scaler) { s.handler = h }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Scaler) { s.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scaler) { s.now = now }
}

// New creates a scaler.
func New(policy Policy, source MetricsSource, events EventStore, opts ...Option) *Scaler {
	s := &Scaler{
		policy:   policy,
		source:   source,
		events:   events,
		recorder: metrics.Nop(),
		logger:   logx.NewLogger("scaler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute applies rec. An action still inside its cooldown is recorded as
// no_op with CooldownSuffix on the reason. Every call appends one event.
func (s *Scaler) Execute(ctx context.Context, rec Recommendation) (*models.ScalingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadCooldowns(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ev := &models.ScalingEvent{
		Action:        rec.Action,
		PreviousCount: rec.CurrentCount,
		NewCount:      rec.RecommendedCount,
		Reason:        rec.Reason,
		Metrics:       rec.Metrics,
		CreatedAt:     now,
	}

	skipped := false
	switch rec.Action {
	case models.ScaleUp:
		skipped = inCooldown(s.lastUp, s.policy.ScaleUpCooldown, now)
		if !skipped {
			s.lastUp = &now
		}
	case models.ScaleDown:
		skipped = inCooldown(s.lastDown, s.policy.ScaleDownCooldown, now)
		if !skipped {
			s.lastDown = &now
		}
	}

	if skipped {
		ev.Action = models.ScaleNoOp
		ev.NewCount = rec.CurrentCount
		ev.Reason = rec.Reason + CooldownSuffix
		s.logger.Info("%s skipped: cooldown period (%s)", rec.Action, rec.Reason)
	} else if rec.Action != models.ScaleNoOp {
		s.logger.Info("%s %d -> %d: %s", rec.Action, rec.CurrentCount, rec.RecommendedCount, rec.Reason)
		if s.handler != nil {
			if err := s.handler.Scale(ctx, rec); err != nil {
				s.logger.Warn("scale handler failed: %v", err)
			}
		}
	}

	s.recorder.ObserveScaling(string(rec.Action), skipped)
	if err := s.events.RecordEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CheckNow takes a pool snapshot, computes a recommendation and executes it.
func (s *Scaler) CheckNow(ctx context.Context) (*models.ScalingEvent, error) {
	m, err := s.source.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	return s.Execute(ctx, Recommend(m, s.policy))
}

// RunCycle is the periodic monitor body.
func (s *Scaler) RunCycle(ctx context.Context) error {
	ev, err := s.CheckNow(ctx)
	if err != nil {
		return err
	}
	logx.Debug(ctx, "scaler", "cycle: %s (%s)", ev.Action, ev.Reason)
	return nil
}

// History returns recent decisions, newest first.
func (s *Scaler) History(ctx context.Context, limit int) ([]models.ScalingEvent, error) {
	return s.events.ListEvents(ctx, limit)
}

// loadCooldowns restores the last action times from history once, so a
// restart does not forget an active cooldown.
func (s *Scaler) loadCooldowns(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	up, err := s.events.LastActionAt(ctx, models.ScaleUp)
	if err != nil {
		return err
	}
	down, err := s.events.LastActionAt(ctx, models.ScaleDown)
	if err != nil {
		return err
	}
	s.lastUp, s.lastDown, s.loaded = up, down, true
	return nil
}

func inCooldown(last *time.Time, cooldown time.Duration, now time.Time) bool {
	return last != nil && now.Sub(*last) < cooldown
}
