package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FLEET_DATABASE_PATH.
const EnvPrefix = "FLEET_"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

var durationType = reflect.TypeOf(time.Duration(0))

// LoadConfig reads configPath, expands ${VAR} placeholders, decodes the YAML
// on top of Default(), applies FLEET_* overrides and validates the result.
// An empty configPath or a missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal([]byte(substituteEnv(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func substituteEnv(data string) string {
	return envVarRegex.ReplaceAllStringFunc(data, func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		tag := fieldType.Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(tag, ",")[0])

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
			continue
		}
		if envValue := os.Getenv(envKey); envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

// setFieldFromEnv ignores values that do not parse; validation catches the rest.
func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		if d, err := time.ParseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if val, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(val)
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = "fleet.db"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":9090"
	}

	if cfg.Pool.StaleTimeout == 0 {
		cfg.Pool.StaleTimeout = 2 * time.Minute
	}
	if cfg.Pool.SyncInterval == 0 {
		cfg.Pool.SyncInterval = 30 * time.Second
	}

	s := &cfg.Scaler
	if s.Interval == 0 {
		s.Interval = time.Minute
	}
	if s.MinAgents == 0 {
		s.MinAgents = 1
	}
	if s.MaxAgents == 0 {
		s.MaxAgents = 10
	}
	if s.ScaleUpThreshold == 0 {
		s.ScaleUpThreshold = 80
	}
	if s.ScaleDownThreshold == 0 {
		s.ScaleDownThreshold = 30
	}
	if s.TargetUtilization == 0 {
		s.TargetUtilization = 0.6
	}
	if s.ScaleUpCooldown == 0 {
		s.ScaleUpCooldown = 5 * time.Minute
	}
	if s.ScaleDownCooldown == 0 {
		s.ScaleDownCooldown = 10 * time.Minute
	}

	q := &cfg.Quota
	if q.WarningPercent == 0 {
		q.WarningPercent = 80
	}
	if q.CriticalPercent == 0 {
		q.CriticalPercent = 90
	}
	if q.EmergencyPercent == 0 {
		q.EmergencyPercent = 95
	}
	if q.CooldownMinutes == 0 {
		q.CooldownMinutes = 60
	}
	if q.EscalationMinutes == 0 {
		q.EscalationMinutes = 30
	}
	if q.MaxEscalations == 0 {
		q.MaxEscalations = 3
	}
	if q.DefaultPeriod == 0 {
		q.DefaultPeriod = 24 * time.Hour
	}
	if q.EscalationInterval == 0 {
		q.EscalationInterval = time.Minute
	}
	if q.SweepInterval == 0 {
		q.SweepInterval = 5 * time.Minute
	}

	qu := &cfg.Queue
	if qu.PollInterval == 0 {
		qu.PollInterval = time.Second
	}
	if qu.BackoffBase == 0 {
		qu.BackoffBase = time.Second
	}
	if qu.BackoffMax == 0 {
		qu.BackoffMax = 5 * time.Minute
	}
	if qu.DeferDelay == 0 {
		qu.DeferDelay = 30 * time.Second
	}
	if qu.RequestTimeout == 0 {
		qu.RequestTimeout = 60 * time.Second
	}
	if qu.StaleProcessingTimeout == 0 {
		qu.StaleProcessingTimeout = 10 * time.Minute
	}
	if qu.Retention == 0 {
		qu.Retention = 7 * 24 * time.Hour
	}
	if qu.MaintenanceInterval == 0 {
		qu.MaintenanceInterval = 5 * time.Minute
	}

	if cfg.AutoPause.Interval == 0 {
		cfg.AutoPause.Interval = time.Minute
	}
	if cfg.AutoPause.DefaultThresholdPercent == 0 {
		cfg.AutoPause.DefaultThresholdPercent = 95
	}

	if len(cfg.Notifications.Channels) == 0 {
		cfg.Notifications.Channels = []string{ChannelDashboard, ChannelLog}
	}
	if cfg.Notifications.DashboardSize == 0 {
		cfg.Notifications.DashboardSize = 500
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.QuotaPeriod == 0 {
			p.QuotaPeriod = q.DefaultPeriod
		}
		if p.Name == "" {
			p.Name = p.ID
		}
	}
}

func validateConfig(cfg *Config) error {
	s := &cfg.Scaler
	if s.MinAgents < 0 || s.MaxAgents < s.MinAgents {
		return fmt.Errorf("scaler: need 0 <= min_agents (%d) <= max_agents (%d)", s.MinAgents, s.MaxAgents)
	}
	if s.ScaleDownThreshold >= s.ScaleUpThreshold {
		return fmt.Errorf("scaler: scale_down_threshold (%.1f) must be below scale_up_threshold (%.1f)",
			s.ScaleDownThreshold, s.ScaleUpThreshold)
	}
	if s.TargetUtilization <= 0 || s.TargetUtilization > 1 {
		return fmt.Errorf("scaler: target_utilization must be in (0,1], got %.2f", s.TargetUtilization)
	}

	if err := validateThresholds("quota", cfg.Quota.WarningPercent, cfg.Quota.CriticalPercent, cfg.Quota.EmergencyPercent); err != nil {
		return err
	}
	for i := range cfg.AlertConfigs {
		a := cfg.AlertConfigs[i].Model(&cfg.Quota)
		if err := validateThresholds(fmt.Sprintf("alert_configs[%d]", i), a.WarningPercent, a.CriticalPercent, a.EmergencyPercent); err != nil {
			return err
		}
	}

	if cfg.Queue.BackoffMax < cfg.Queue.BackoffBase {
		return fmt.Errorf("queue: backoff_max (%s) must be >= backoff_base (%s)", cfg.Queue.BackoffMax, cfg.Queue.BackoffBase)
	}
	if cfg.Queue.JitterFraction < 0 || cfg.Queue.JitterFraction > 1 {
		return fmt.Errorf("queue: jitter_fraction must be in [0,1], got %.2f", cfg.Queue.JitterFraction)
	}
	if cfg.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue: default_max_retries cannot be negative")
	}
	// A shorter stale timeout would requeue items whose request is still in flight.
	if cfg.Queue.StaleProcessingTimeout <= cfg.Queue.RequestTimeout {
		return fmt.Errorf("queue: stale_processing_timeout (%s) must exceed request_timeout (%s)",
			cfg.Queue.StaleProcessingTimeout, cfg.Queue.RequestTimeout)
	}
	if cfg.Supervisor.MaxFailures < 0 {
		return fmt.Errorf("supervisor: max_failures cannot be negative")
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.RequestsPerMinute < 0 || p.TokensPerMinute < 0 {
			return fmt.Errorf("provider %s: rate limits cannot be negative", p.ID)
		}
		if p.QuotaRequests < 0 || p.QuotaTokens < 0 {
			return fmt.Errorf("provider %s: quota limits cannot be negative", p.ID)
		}
	}

	for _, ch := range cfg.Notifications.Channels {
		switch ch {
		case ChannelDashboard, ChannelDesktop, ChannelAudio, ChannelEmail, ChannelLog:
		default:
			return fmt.Errorf("notifications: unknown channel %q", ch)
		}
	}
	return nil
}

func validateThresholds(scope string, warning, critical, emergency float64) error {
	if !(warning > 0 && warning <= critical && critical <= emergency) {
		return fmt.Errorf("%s: thresholds must satisfy 0 < warning (%.1f) <= critical (%.1f) <= emergency (%.1f)",
			scope, warning, critical, emergency)
	}
	return nil
}
