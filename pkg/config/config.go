// Package config loads the fleet daemon configuration.
//
// Configuration comes from a single YAML file. Every field has a default, so
// an empty file (or no file) yields a runnable single-node setup. After the
// file is parsed, ${VAR} placeholders are expanded, FLEET_* environment
// variables override individual fields, defaults fill the gaps and the
// result is validated. State (usage counters, queue items, agents) never
// lives here; it belongs in the database.
package config

import (
	"time"

	"agentfleet/pkg/models"
)

// Notification channel names understood by the quota governor.
const (
	ChannelDashboard = "dashboard"
	ChannelDesktop   = "desktop"
	ChannelAudio     = "audio"
	ChannelEmail     = "email"
	ChannelLog       = "log"
)

// Config is the root of the YAML document.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	Server        ServerConfig        `yaml:"server"`
	Pool          PoolConfig          `yaml:"pool"`
	Scaler        ScalerConfig        `yaml:"scaler"`
	Quota         QuotaConfig         `yaml:"quota"`
	Queue         QueueConfig         `yaml:"queue"`
	AutoPause     AutoPauseConfig     `yaml:"autopause"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Providers     []ProviderConfig    `yaml:"providers"`
	AlertConfigs  []AlertConfigEntry  `yaml:"alert_configs"`
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig controls the daemon's HTTP surface.
type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// PoolConfig controls agent health detection.
type PoolConfig struct {
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	SnapshotFile string        `yaml:"snapshot_file"` // detector output; empty disables sync
}

// ScalerConfig is the auto-scaling policy and monitor cadence.
type ScalerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	MinAgents          int           `yaml:"min_agents"`
	MaxAgents          int           `yaml:"max_agents"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	TargetUtilization  float64       `yaml:"target_utilization"`
	ScaleUpCooldown    time.Duration `yaml:"scale_up_cooldown"`
	ScaleDownCooldown  time.Duration `yaml:"scale_down_cooldown"`
}

// QuotaConfig holds the global alert defaults and periodic check cadence.
type QuotaConfig struct {
	WarningPercent     float64       `yaml:"warning_percent"`
	CriticalPercent    float64       `yaml:"critical_percent"`
	EmergencyPercent   float64       `yaml:"emergency_percent"`
	CooldownMinutes    int           `yaml:"cooldown_minutes"`
	EscalationEnabled  bool          `yaml:"escalation_enabled"`
	EscalationMinutes  int           `yaml:"escalation_minutes"`
	MaxEscalations     int           `yaml:"max_escalations"`
	DefaultPeriod      time.Duration `yaml:"default_period"`
	EscalationInterval time.Duration `yaml:"escalation_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// QueueConfig controls the dispatcher.
type QueueConfig struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMax             time.Duration `yaml:"backoff_max"`
	JitterFraction         float64       `yaml:"jitter_fraction"`
	DeferDelay             time.Duration `yaml:"defer_delay"`
	DefaultMaxRetries      int           `yaml:"default_max_retries"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	StaleProcessingTimeout time.Duration `yaml:"stale_processing_timeout"`
	Retention              time.Duration `yaml:"retention"`
	MaintenanceInterval    time.Duration `yaml:"maintenance_interval"`
}

// AutoPauseConfig controls the pause/resume checks.
type AutoPauseConfig struct {
	Interval                time.Duration `yaml:"interval"`
	DefaultThresholdPercent float64       `yaml:"default_threshold_percent"`
}

// SupervisorConfig controls how long critical background tasks may keep
// failing before the daemon shuts down. Zero disables the shutdown.
type SupervisorConfig struct {
	MaxFailures int `yaml:"max_failures"`
}

// NotificationsConfig lists enabled channels.
type NotificationsConfig struct {
	Channels      []string `yaml:"channels"`
	DashboardSize int      `yaml:"dashboard_size"`
}

// ProviderConfig describes one upstream API.
type ProviderConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Type              string            `yaml:"type"`
	BaseURL           string            `yaml:"base_url"`
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	TokensPerMinute   int               `yaml:"tokens_per_minute"`
	QuotaRequests     int64             `yaml:"quota_requests"`
	QuotaTokens       int64             `yaml:"quota_tokens"`
	QuotaPeriod       time.Duration     `yaml:"quota_period"`
	Headers           map[string]string `yaml:"headers"`
}

// Model converts the entry into the shared provider record.
func (p *ProviderConfig) Model() models.Provider {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return models.Provider{
		ID:                p.ID,
		Name:              name,
		Type:              p.Type,
		BaseURL:           p.BaseURL,
		RequestsPerMinute: p.RequestsPerMinute,
		TokensPerMinute:   p.TokensPerMinute,
		QuotaRequests:     p.QuotaRequests,
		QuotaTokens:       p.QuotaTokens,
		QuotaPeriod:       p.QuotaPeriod,
	}
}

// AlertConfigEntry is a scoped override of the quota defaults. Empty
// provider and project make it the global row.
type AlertConfigEntry struct {
	Provider          string   `yaml:"provider"`
	Project           string   `yaml:"project"`
	WarningPercent    float64  `yaml:"warning_percent"`
	CriticalPercent   float64  `yaml:"critical_percent"`
	EmergencyPercent  float64  `yaml:"emergency_percent"`
	Channels          []string `yaml:"channels"`
	CooldownMinutes   int      `yaml:"cooldown_minutes"`
	EscalationEnabled *bool    `yaml:"escalation_enabled"` // nil inherits the quota default
	EscalationMinutes int      `yaml:"escalation_minutes"`
	MaxEscalations    int      `yaml:"max_escalations"`
}

// Model converts the entry into an AlertConfig, filling unset thresholds from q.
func (a *AlertConfigEntry) Model(q *QuotaConfig) models.AlertConfig {
	cfg := models.AlertConfig{
		WarningPercent:    a.WarningPercent,
		CriticalPercent:   a.CriticalPercent,
		EmergencyPercent:  a.EmergencyPercent,
		Channels:          a.Channels,
		CooldownMinutes:   a.CooldownMinutes,
		EscalationEnabled: q.EscalationEnabled,
		EscalationMinutes: a.EscalationMinutes,
		MaxEscalations:    a.MaxEscalations,
	}
	if a.EscalationEnabled != nil {
		cfg.EscalationEnabled = *a.EscalationEnabled
	}
	if a.Provider != "" {
		p := a.Provider
		cfg.ProviderID = &p
	}
	if a.Project != "" {
		p := a.Project
		cfg.ProjectID = &p
	}
	if cfg.WarningPercent == 0 {
		cfg.WarningPercent = q.WarningPercent
	}
	if cfg.CriticalPercent == 0 {
		cfg.CriticalPercent = q.CriticalPercent
	}
	if cfg.EmergencyPercent == 0 {
		cfg.EmergencyPercent = q.EmergencyPercent
	}
	if cfg.CooldownMinutes == 0 {
		cfg.CooldownMinutes = q.CooldownMinutes
	}
	if cfg.EscalationMinutes == 0 {
		cfg.EscalationMinutes = q.EscalationMinutes
	}
	if cfg.MaxEscalations == 0 {
		cfg.MaxEscalations = q.MaxEscalations
	}
	return cfg
}

// DefaultAlertConfig is the built-in global scope derived from q.
func (q *QuotaConfig) DefaultAlertConfig(channels []string) models.AlertConfig {
	return models.AlertConfig{
		WarningPercent:    q.WarningPercent,
		CriticalPercent:   q.CriticalPercent,
		EmergencyPercent:  q.EmergencyPercent,
		Channels:          channels,
		CooldownMinutes:   q.CooldownMinutes,
		EscalationEnabled: q.EscalationEnabled,
		EscalationMinutes: q.EscalationMinutes,
		MaxEscalations:    q.MaxEscalations,
	}
}

// Default returns a config with every default applied. LoadConfig decodes
// the file on top of it, so boolean switches and fields where zero is a
// valid setting keep their defaults unless the file names them.
func Default() *Config {
	cfg := &Config{
		Scaler:     ScalerConfig{Enabled: true},
		Quota:      QuotaConfig{EscalationEnabled: true},
		Queue:      QueueConfig{JitterFraction: 0.25, DefaultMaxRetries: 3},
		Supervisor: SupervisorConfig{MaxFailures: 10},
	}
	applyDefaults(cfg)
	return cfg
}
