// Package models defines the records shared by the fleet's state machine,
// agent pool, quota governor, request queue and auto-pause controller.
package models

import "time"

// ProjectStatus is a project's lifecycle state.
type ProjectStatus string

const (
	ProjectIdle      ProjectStatus = "idle"
	ProjectQueued    ProjectStatus = "queued"
	ProjectRunning   ProjectStatus = "running"
	ProjectPaused    ProjectStatus = "paused"
	ProjectError     ProjectStatus = "error"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// ProjectPriority orders projects for scheduling.
type ProjectPriority string

const (
	PriorityLow      ProjectPriority = "low"
	PriorityMedium   ProjectPriority = "medium"
	PriorityHigh     ProjectPriority = "high"
	PriorityCritical ProjectPriority = "critical"
)

// Project is the unit of work agents run against.
// Status is empty until the first transition has been recorded.
type Project struct {
	ID             string
	Name           string
	Status         ProjectStatus
	Priority       ProjectPriority
	Progress       float64
	SpecsTotal     int
	SpecsCompleted int
	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransitionSource identifies who caused a state change.
type TransitionSource string

const (
	SourceUser       TransitionSource = "user"
	SourceSystem     TransitionSource = "system"
	SourceAPI        TransitionSource = "api"
	SourceAutomation TransitionSource = "automation"
	SourceTimeout    TransitionSource = "timeout"
)

// StateTransition is an append-only audit row. FromState is nil for the
// first transition of a project.
type StateTransition struct {
	ID          int64
	ProjectID   string
	FromState   *ProjectStatus
	ToState     ProjectStatus
	Source      TransitionSource
	InitiatedBy string
	Reason      string
	Metadata    map[string]any
	DurationMS  int64
	CreatedAt   time.Time
}

// AgentStatus is the pool-visible state of an agent.
type AgentStatus string

const (
	AgentAvailable   AgentStatus = "available"
	AgentBusy        AgentStatus = "busy"
	AgentOffline     AgentStatus = "offline"
	AgentMaintenance AgentStatus = "maintenance"
	AgentDraining    AgentStatus = "draining"
)

// Agent is one pool entry.
type Agent struct {
	AgentID          string
	AgentType        string
	Status           AgentStatus
	CurrentProjectID *string
	CurrentLoad      int
	MaxCapacity      int
	Capabilities     []string
	AffinityTag      string
	Priority         int
	TotalAssigned    int
	TotalCompleted   int
	TotalFailed      int
	LastHeartbeat    *time.Time
	PID              int
	WorkingDir       string
	Command          string
	TmuxSession      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Utilization returns CurrentLoad/MaxCapacity in [0,1].
func (a *Agent) Utilization() float64 {
	if a.MaxCapacity <= 0 {
		return 1
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity)
}

// HasCapabilities reports whether the agent offers every requested capability.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// ScalingAction is the decision emitted by the auto-scaler.
type ScalingAction string

const (
	ScaleUp   ScalingAction = "scale_up"
	ScaleDown ScalingAction = "scale_down"
	ScaleNoOp ScalingAction = "no_op"
)

// ScalingEvent records one executed (or skipped) scaling decision.
type ScalingEvent struct {
	ID            int64
	Action        ScalingAction
	PreviousCount int
	NewCount      int
	Reason        string
	Metrics       map[string]any
	CreatedAt     time.Time
}

// Provider is an upstream API with its rate limits and quota.
type Provider struct {
	ID                string
	Name              string
	Type              string
	BaseURL           string
	RequestsPerMinute int
	TokensPerMinute   int
	QuotaRequests     int64
	QuotaTokens       int64
	QuotaPeriod       time.Duration
}

// QuotaUsage accumulates counters for one (provider, project) period.
// ProjectID nil is the provider-wide row.
type QuotaUsage struct {
	ID               string
	ProviderID       string
	ProjectID        *string
	CurrentRequests  int64
	CurrentTokens    int64
	QuotaLimit       int64
	QuotaLimitTokens int64
	PeriodStart      time.Time
	PeriodEnd        time.Time
	LastResetAt      *time.Time
	LastAlertAt      *time.Time
	OverageCount     int
	UpdatedAt        time.Time
}

// RequestPercent is current_requests/quota_limit*100, 0 when unlimited.
func (u *QuotaUsage) RequestPercent() float64 {
	if u.QuotaLimit <= 0 {
		return 0
	}
	return float64(u.CurrentRequests) / float64(u.QuotaLimit) * 100
}

// TokenPercent is current_tokens/quota_limit_tokens*100, 0 when unlimited.
func (u *QuotaUsage) TokenPercent() float64 {
	if u.QuotaLimitTokens <= 0 {
		return 0
	}
	return float64(u.CurrentTokens) / float64(u.QuotaLimitTokens) * 100
}

// UsagePercent is the higher of the request and token percentages.
func (u *QuotaUsage) UsagePercent() float64 {
	return max(u.RequestPercent(), u.TokenPercent())
}

// AlertType classifies a quota alert.
type AlertType string

const (
	AlertWarning  AlertType = "warning"
	AlertCritical AlertType = "critical"
	AlertOverage  AlertType = "overage"
)

// AlertStatus is the quota alert lifecycle.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// QuotaAlert is raised when usage crosses a configured threshold.
type QuotaAlert struct {
	ID               string
	QuotaUsageID     string
	ProviderID       string
	ProjectID        *string
	AlertType        AlertType
	Status           AlertStatus
	ThresholdPercent float64
	UsagePercent     float64
	Message          string
	EscalationCount  int
	EscalationAt     *time.Time
	ChannelsSent     []string
	AcknowledgedBy   string
	AcknowledgedAt   *time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
}

// AlertConfig holds thresholds and notification policy for a scope.
// ProviderID and ProjectID both nil is the global row.
type AlertConfig struct {
	ID                string
	ProviderID        *string
	ProjectID         *string
	WarningPercent    float64
	CriticalPercent   float64
	EmergencyPercent  float64
	Channels          []string
	CooldownMinutes   int
	EscalationEnabled bool
	EscalationMinutes int
	MaxEscalations    int
}

// QueuePriority is the dispatch weight of a queued request.
type QueuePriority int

const (
	QueueLow    QueuePriority = 1
	QueueMedium QueuePriority = 2
	QueueHigh   QueuePriority = 3
)

// QueueStatus is the request queue item lifecycle.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// IsTerminal reports whether no further processing will happen.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueCancelled
}

// QueueItem is one persisted outbound request.
type QueueItem struct {
	ID                  string
	ProviderID          string
	ProjectID           *string
	SessionID           *string
	Endpoint            string
	Method              string
	Payload             []byte
	Headers             map[string]string
	Priority            QueuePriority
	Status              QueueStatus
	ScheduledAt         *time.Time
	RetryCount          int
	MaxRetries          int
	LastError           string
	ResponseStatus      int
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RateLimitStatus is the lifecycle of a rate-limit occurrence.
type RateLimitStatus string

const (
	RateLimitDetected RateLimitStatus = "detected"
	RateLimitRetrying RateLimitStatus = "retrying"
	RateLimitResolved RateLimitStatus = "resolved"
	RateLimitFailed   RateLimitStatus = "failed"
)

// RateLimitEvent audits one 429/backoff.
type RateLimitEvent struct {
	ID                       string
	ProviderID               string
	QueueItemID              string
	AttemptNumber            int
	MaxAttempts              int
	CalculatedBackoffSeconds float64
	JitterSeconds            float64
	RetryAfterSeconds        *float64
	Status                   RateLimitStatus
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// PauseTrigger is why a project was paused.
type PauseTrigger string

const (
	TriggerQuotaThreshold PauseTrigger = "quota_threshold"
	TriggerQuotaExceeded  PauseTrigger = "quota_exceeded"
	TriggerManualOverride PauseTrigger = "manual_override"
)

// IsQuotaBased reports whether the pause was caused by quota usage.
func (t PauseTrigger) IsQuotaBased() bool {
	return t == TriggerQuotaThreshold || t == TriggerQuotaExceeded
}

// PauseStatus is the auto-pause log lifecycle.
type PauseStatus string

const (
	PausePending    PauseStatus = "pending"
	PausePaused     PauseStatus = "paused"
	PauseResumed    PauseStatus = "resumed"
	PauseOverridden PauseStatus = "overridden"
	PauseCancelled  PauseStatus = "cancelled"
)

// AutoPauseLog records one pause cycle of a project.
type AutoPauseLog struct {
	ID               string
	ProjectID        string
	ProviderID       string
	Trigger          PauseTrigger
	Status           PauseStatus
	ThresholdPercent float64
	UsagePercent     float64
	AutoResume       bool
	QuotaPeriodEnd   *time.Time
	PausedAt         *time.Time
	ResumedAt        *time.Time
	OverrideBy       string
	OverrideAt       *time.Time
	CreatedAt        time.Time
}

// AutoPauseSetting enables quota-driven pausing for one project.
// An empty ProviderID means the highest usage across all providers.
type AutoPauseSetting struct {
	ProjectID        string
	ProviderID       string
	Enabled          bool
	ThresholdPercent float64
	AutoResume       bool
}
