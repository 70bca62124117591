// Package metrics records fleet activity to Prometheus and queries it back.
package metrics

import "time"

// Dispatch outcomes reported by the queue dispatcher.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
	OutcomeCancelled = "cancelled"
)

// Recorder defines the interface for recording fleet metrics.
type Recorder interface {
	// ObserveTransition counts a committed project state change.
	ObserveTransition(from, to, source string)

	// SetPoolState publishes agent counts by status and pool utilization.
	SetPoolState(byStatus map[string]int, utilizationPercent float64)

	// ObserveScaling counts an executed scaling decision.
	ObserveScaling(action string, skipped bool)

	// SetQuotaUsage publishes the governing usage percent of a counter.
	SetQuotaUsage(provider, project string, percent float64)

	// IncQuotaAlert counts a created or escalated alert.
	IncQuotaAlert(provider, alertType string, escalation bool)

	// ObserveDispatch records one dispatcher attempt and its transport latency.
	ObserveDispatch(provider, outcome string, duration time.Duration)

	// ObserveBackoff records a scheduled retry delay.
	ObserveBackoff(provider string, delay time.Duration)

	// IncRateLimit counts rate-limit event status changes.
	IncRateLimit(provider, status string)

	// IncAutoPause counts pause, resume and override actions.
	IncAutoPause(action string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveTransition(_, _, _ string)             {}
func (n *NoopRecorder) SetPoolState(_ map[string]int, _ float64)     {}
func (n *NoopRecorder) ObserveScaling(_ string, _ bool)              {}
func (n *NoopRecorder) SetQuotaUsage(_, _ string, _ float64)         {}
func (n *NoopRecorder) IncQuotaAlert(_, _ string, _ bool)            {}
func (n *NoopRecorder) ObserveDispatch(_, _ string, _ time.Duration) {}
func (n *NoopRecorder) ObserveBackoff(_ string, _ time.Duration)     {}
func (n *NoopRecorder) IncRateLimit(_, _ string)                     {}
func (n *NoopRecorder) IncAutoPause(_ string)                        {}
