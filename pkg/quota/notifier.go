package quota

import (
	"context"
	"fmt"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/models"
)

// Notifier delivers an alert on one channel. Delivery failures are logged by
// the governor and never block alert creation or other channels.
type Notifier interface {
	Notify(ctx context.Context, channel string, alert *models.QuotaAlert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, channel string, alert *models.QuotaAlert) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, channel string, alert *models.QuotaAlert) error {
	return f(ctx, channel, alert)
}

// DashboardNotifier keeps recent alerts in memory for display.
type DashboardNotifier struct {
	buf *logx.Buffer
}

// NewDashboardNotifier keeps at most size alerts.
func NewDashboardNotifier(size int) *DashboardNotifier {
	return &DashboardNotifier{buf: logx.NewBuffer(size)}
}

// Notify implements Notifier.
func (d *DashboardNotifier) Notify(_ context.Context, _ string, alert *models.QuotaAlert) error {
	d.buf.Add(logx.Entry{
		Timestamp: time.Now().UTC(),
		Component: "quota",
		Level:     alertLevel(alert.AlertType),
		Message:   describe(alert),
		Domain:    alert.ProviderID,
	})
	return nil
}

// Recent returns buffered alert lines, optionally for one provider.
func (d *DashboardNotifier) Recent(providerID string, since time.Time) []logx.Entry {
	return d.buf.Entries(providerID, since)
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct {
	logger *logx.Logger
}

// NewLogNotifier creates a log channel notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logx.NewLogger("quota-alert")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, channel string, alert *models.QuotaAlert) error {
	switch alertLevel(alert.AlertType) {
	case logx.LevelError:
		l.logger.Error("[%s] %s", channel, describe(alert))
	default:
		l.logger.Warn("[%s] %s", channel, describe(alert))
	}
	return nil
}

func alertLevel(t models.AlertType) logx.Level {
	if t == models.AlertWarning {
		return logx.LevelWarn
	}
	return logx.LevelError
}

func describe(a *models.QuotaAlert) string {
	msg := a.Message
	if a.EscalationCount > 0 {
		msg = fmt.Sprintf("%s (escalation %d)", msg, a.EscalationCount)
	}
	return msg
}
