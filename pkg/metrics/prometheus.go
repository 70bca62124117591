package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	transitionsTotal *prometheus.CounterVec
	poolAgents       *prometheus.GaugeVec
	poolUtilization  prometheus.Gauge
	scalingTotal     *prometheus.CounterVec
	quotaUsage       *prometheus.GaugeVec
	alertsTotal      *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	backoffSeconds   *prometheus.HistogramVec
	rateLimitTotal   *prometheus.CounterVec
	autoPauseTotal   *prometheus.CounterVec
}

// NewPrometheusRecorder registers the fleet metrics on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_project_transitions_total",
				Help: "Committed project state transitions",
			},
			[]string{"from", "to", "source"},
		),
		poolAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_pool_agents",
				Help: "Registered agents by status",
			},
			[]string{"status"},
		),
		poolUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_pool_utilization_percent",
				Help: "Used capacity over total capacity of online agents",
			},
		),
		scalingTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_scaling_decisions_total",
				Help: "Executed auto-scaling decisions",
			},
			[]string{"action", "skipped"},
		),
		quotaUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleet_quota_usage_percent",
				Help: "Governing quota usage percent per provider and project",
			},
			[]string{"provider", "project"},
		),
		alertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_quota_alerts_total",
				Help: "Quota alerts created or escalated",
			},
			[]string{"provider", "type", "escalation"},
		),
		dispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_queue_dispatch_total",
				Help: "Queue dispatch attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_queue_dispatch_duration_seconds",
				Help:    "Transport latency of dispatched requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		backoffSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_queue_backoff_seconds",
				Help:    "Scheduled retry delays",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"provider"},
		),
		rateLimitTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_rate_limit_events_total",
				Help: "Rate limit event status changes",
			},
			[]string{"provider", "status"},
		),
		autoPauseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_autopause_actions_total",
				Help: "Auto-pause controller actions",
			},
			[]string{"action"},
		),
	}
}

func (p *PrometheusRecorder) ObserveTransition(from, to, source string) {
	if from == "" {
		from = "none"
	}
	p.transitionsTotal.WithLabelValues(from, to, source).Inc()
}

func (p *PrometheusRecorder) SetPoolState(byStatus map[string]int, utilizationPercent float64) {
	p.poolAgents.Reset()
	for status, n := range byStatus {
		p.poolAgents.WithLabelValues(status).Set(float64(n))
	}
	p.poolUtilization.Set(utilizationPercent)
}

func (p *PrometheusRecorder) ObserveScaling(action string, skipped bool) {
	p.scalingTotal.WithLabelValues(action, strconv.FormatBool(skipped)).Inc()
}

func (p *PrometheusRecorder) SetQuotaUsage(provider, project string, percent float64) {
	p.quotaUsage.WithLabelValues(provider, project).Set(percent)
}

func (p *PrometheusRecorder) IncQuotaAlert(provider, alertType string, escalation bool) {
	p.alertsTotal.WithLabelValues(provider, alertType, strconv.FormatBool(escalation)).Inc()
}

func (p *PrometheusRecorder) ObserveDispatch(provider, outcome string, duration time.Duration) {
	p.dispatchTotal.WithLabelValues(provider, outcome).Inc()
	if duration > 0 {
		p.dispatchDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

func (p *PrometheusRecorder) ObserveBackoff(provider string, delay time.Duration) {
	p.backoffSeconds.WithLabelValues(provider).Observe(delay.Seconds())
}

func (p *PrometheusRecorder) IncRateLimit(provider, status string) {
	p.rateLimitTotal.WithLabelValues(provider, status).Inc()
}

func (p *PrometheusRecorder) IncAutoPause(action string) {
	p.autoPauseTotal.WithLabelValues(action).Inc()
}
