package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentfleet/pkg/config"
	"agentfleet/pkg/limiter"
	"agentfleet/pkg/logx"
	"agentfleet/pkg/metrics"
	"agentfleet/pkg/models"
	"agentfleet/pkg/quota"
)

// Governor is the quota surface the dispatcher consults.
type Governor interface {
	CheckAdmission(ctx context.Context, providerID string, projectID *string) (*quota.Admission, error)
	IncrementUsage(ctx context.Context, providerID string, projectID *string, requests, tokens int64) (*quota.UsageResult, error)
}

// Throttle reserves per-minute request and token budget before a send.
type Throttle interface {
	Reserve(providerID string, tokens int64) error
}

// TokenEstimator estimates the tokens a payload will consume.
type TokenEstimator interface {
	EstimatePayload(payload []byte) int64
}

// maxErrorBody bounds how much of an error reply lands in last_error.
const maxErrorBody = 512

// Dispatcher sends claimed items through a Transport. Calls for the same
// provider are serialized; different providers proceed independently.
type Dispatcher struct {
	store     Store
	transport Transport
	governor  Governor
	throttle  Throttle
	tokens    TokenEstimator
	backoff   Backoff
	deferFor  time.Duration
	timeout   time.Duration
	recorder  metrics.Recorder
	tracer    trace.Tracer
	logger    *logx.Logger
	now       func() time.Time
	random    func() float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithGovernor enables quota admission and usage accounting.
func WithGovernor(g Governor) DispatcherOption {
	return func(d *Dispatcher) { d.governor = g }
}

// WithThrottle enables the per-minute bucket check.
func WithThrottle(t Throttle) DispatcherOption {
	return func(d *Dispatcher) { d.throttle = t }
}

// WithTokenEstimator sets how payload tokens are counted.
func WithTokenEstimator(e TokenEstimator) DispatcherOption {
	return func(d *Dispatcher) { d.tokens = e }
}

// WithDispatchRecorder sets the metrics recorder.
func WithDispatchRecorder(r metrics.Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithDispatchClock overrides time.Now.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithRandom overrides the jitter source; f must return values in [0,1).
func WithRandom(f func() float64) DispatcherOption {
	return func(d *Dispatcher) { d.random = f }
}

// NewDispatcher creates a dispatcher using the queue section of the config
// for backoff, deferral and timeouts.
func NewDispatcher(store Store, transport Transport, cfg config.QueueConfig, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		transport: transport,
		backoff: Backoff{
			Base:           cfg.BackoffBase,
			Max:            cfg.BackoffMax,
			JitterFraction: cfg.JitterFraction,
		},
		deferFor: cfg.DeferDelay,
		timeout:  cfg.RequestTimeout,
		recorder: metrics.Nop(),
		tracer:   otel.Tracer("agentfleet/queue"),
		logger:   logx.NewLogger("dispatcher"),
		now:      time.Now,
		random:   rand.Float64,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) providerLock(providerID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[providerID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[providerID] = l
	}
	return l
}

// Drain dispatches ready items for providerID until none remain or ctx is
// done. It returns how many items were handled.
func (d *Dispatcher) Drain(ctx context.Context, providerID string) (int, error) {
	n := 0
	for ctx.Err() == nil {
		handled, err := d.ProcessNext(ctx, providerID)
		if err != nil {
			return n, err
		}
		if !handled {
			break
		}
		n++
	}
	return n, nil
}

// ProcessNext claims and dispatches one item. It reports false when nothing
// was ready.
func (d *Dispatcher) ProcessNext(ctx context.Context, providerID string) (bool, error) {
	lock := d.providerLock(providerID)
	lock.Lock()
	defer lock.Unlock()

	it, err := d.store.ClaimNextPending(ctx, providerID, d.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if it == nil {
		return false, nil
	}
	return true, d.dispatch(ctx, it)
}

func (d *Dispatcher) dispatch(ctx context.Context, it *models.QueueItem) error {
	ctx, span := d.tracer.Start(ctx, "queue.dispatch", trace.WithAttributes(
		attribute.String("queue.item_id", it.ID),
		attribute.String("queue.provider", it.ProviderID),
		attribute.Int("queue.priority", int(it.Priority)),
		attribute.Int("queue.retry_count", it.RetryCount),
	))
	defer span.End()

	outcome, err := d.attempt(ctx, it)
	span.SetAttributes(attribute.String("queue.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if outcome == metrics.OutcomeFailed {
		span.SetStatus(codes.Error, "retries exhausted")
	}
	return err
}

func (d *Dispatcher) attempt(ctx context.Context, it *models.QueueItem) (string, error) {
	if reason, deferred := d.admit(ctx, it); deferred {
		return d.deferItem(ctx, it, d.deferFor, reason)
	}

	tokens := d.estimate(it.Payload)
	if d.throttle != nil {
		err := d.throttle.Reserve(it.ProviderID, tokens)
		var rl *limiter.RateLimitError
		switch {
		case errors.As(err, &rl):
			return d.deferItem(ctx, it, rl.RetryIn, rl.Error())
		case err != nil && !errors.Is(err, limiter.ErrUnknownProvider):
			return "", err
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	resp, err := d.transport.Send(sendCtx, &Request{
		ProviderID: it.ProviderID,
		Endpoint:   it.Endpoint,
		Method:     it.Method,
		Headers:    it.Headers,
		Payload:    it.Payload,
	})
	cancel()
	elapsed := time.Since(start)
	if err == nil && logx.IsDebugEnabledForDomain("queue") {
		logx.Debug(ctx, "queue", "%s answered %d in %s: %s", it.ID, resp.StatusCode, elapsed, truncate(resp.Body, maxErrorBody))
	}

	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		outcome, serr := d.retryOrFail(ctx, it, err.Error(), 0, nil)
		d.recorder.ObserveDispatch(it.ProviderID, outcome, elapsed)
		return outcome, serr
	}

	if resp.StatusCode == 429 {
		outcome, serr := d.rateLimited(ctx, it, resp)
		d.recorder.ObserveDispatch(it.ProviderID, outcome, elapsed)
		return outcome, serr
	}

	d.recordUsage(ctx, it, tokens)

	var outcome string
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome, err = d.complete(ctx, it, resp.StatusCode)
	} else {
		cause := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(resp.Body, maxErrorBody))
		outcome, err = d.retryOrFail(ctx, it, cause, resp.StatusCode, nil)
	}
	d.recorder.ObserveDispatch(it.ProviderID, outcome, elapsed)
	return outcome, err
}

// admit asks the governor whether the provider-wide counter, and the
// project's counter when the item has one, still have room.
func (d *Dispatcher) admit(ctx context.Context, it *models.QueueItem) (string, bool) {
	if d.governor == nil {
		return "", false
	}
	scopes := []*string{nil}
	if it.ProjectID != nil {
		scopes = append(scopes, it.ProjectID)
	}
	for _, project := range scopes {
		adm, err := d.governor.CheckAdmission(ctx, it.ProviderID, project)
		if err != nil {
			d.logger.Warn("admission check for %s failed, dispatching anyway: %v", it.ID, err)
			return "", false
		}
		if adm.ShouldDefer {
			return fmt.Sprintf("deferred: %s quota at %.1f%%", it.ProviderID, adm.UsagePercent), true
		}
	}
	return "", false
}

func (d *Dispatcher) estimate(payload []byte) int64 {
	if d.tokens == nil || len(payload) == 0 {
		return 0
	}
	return d.tokens.EstimatePayload(payload)
}

func (d *Dispatcher) recordUsage(ctx context.Context, it *models.QueueItem, tokens int64) {
	if d.governor == nil {
		return
	}
	if _, err := d.governor.IncrementUsage(ctx, it.ProviderID, nil, 1, tokens); err != nil {
		d.logger.Warn("record usage for %s: %v", it.ProviderID, err)
	}
	if it.ProjectID == nil {
		return
	}
	if _, err := d.governor.IncrementUsage(ctx, it.ProviderID, it.ProjectID, 1, tokens); err != nil {
		d.logger.Warn("record usage for %s/%s: %v", it.ProviderID, *it.ProjectID, err)
	}
}

// deferItem returns the item to pending without spending a retry.
func (d *Dispatcher) deferItem(ctx context.Context, it *models.QueueItem, delay time.Duration, reason string) (string, error) {
	now := d.now().UTC()
	ok, err := d.store.DeferItem(ctx, it.ID, now.Add(delay), reason, now)
	if err != nil {
		return "", err
	}
	if !ok {
		return metrics.OutcomeCancelled, nil
	}
	logx.Debug(ctx, "queue", "%s %s for %s", it.ID, reason, delay)
	d.recorder.ObserveDispatch(it.ProviderID, metrics.OutcomeDeferred, 0)
	return metrics.OutcomeDeferred, nil
}

func (d *Dispatcher) complete(ctx context.Context, it *models.QueueItem, status int) (string, error) {
	now := d.now().UTC()
	ok, err := d.store.CompleteItem(ctx, it.ID, status, now)
	if err != nil {
		return "", err
	}
	if !ok {
		d.logger.Info("item %s was cancelled while in flight", it.ID)
		return metrics.OutcomeCancelled, nil
	}
	n, err := d.store.SettleRateLimitEvents(ctx, it.ID, models.RateLimitResolved, now)
	if err != nil {
		return metrics.OutcomeCompleted, err
	}
	if n > 0 {
		d.recorder.IncRateLimit(it.ProviderID, string(models.RateLimitResolved))
	}
	return metrics.OutcomeCompleted, nil
}

// retryOrFail schedules another attempt while retry_count < max_retries,
// otherwise marks the item failed. retryAfter overrides the computed backoff.
func (d *Dispatcher) retryOrFail(ctx context.Context, it *models.QueueItem, cause string, status int, retryAfter *time.Duration) (string, error) {
	now := d.now().UTC()
	if it.RetryCount >= it.MaxRetries {
		ok, err := d.store.FailItem(ctx, it.ID, cause, status, now)
		if err != nil {
			return "", err
		}
		if !ok {
			return metrics.OutcomeCancelled, nil
		}
		d.logger.With(it.ProviderID).Error("item %s failed after %d retries: %s", it.ID, it.RetryCount, cause)
		return metrics.OutcomeFailed, nil
	}

	delay := d.backoff.Delay(it.RetryCount)
	delay += d.backoff.Jitter(delay, d.random())
	if retryAfter != nil {
		delay = *retryAfter
	}
	ok, err := d.store.RetryItem(ctx, it.ID, it.RetryCount+1, now.Add(delay), cause, status, now)
	if err != nil {
		return "", err
	}
	if !ok {
		d.logger.Info("item %s was cancelled while in flight, not retrying", it.ID)
		return metrics.OutcomeCancelled, nil
	}
	d.recorder.ObserveBackoff(it.ProviderID, delay)
	logx.Debug(ctx, "queue", "retry %d/%d of %s in %s: %s", it.RetryCount+1, it.MaxRetries, it.ID, delay, cause)
	return metrics.OutcomeRetried, nil
}

// rateLimited records a RateLimitEvent for a 429 and schedules the retry,
// honoring Retry-After when the provider sent one.
func (d *Dispatcher) rateLimited(ctx context.Context, it *models.QueueItem, resp *Response) (string, error) {
	now := d.now().UTC()
	backoff := d.backoff.Delay(it.RetryCount)
	jitter := d.backoff.Jitter(backoff, d.random())
	delay := backoff + jitter

	ev := &models.RateLimitEvent{
		ProviderID:               it.ProviderID,
		QueueItemID:              it.ID,
		AttemptNumber:            it.RetryCount + 1,
		MaxAttempts:              it.MaxRetries + 1,
		CalculatedBackoffSeconds: backoff.Seconds(),
		JitterSeconds:            jitter.Seconds(),
		Status:                   models.RateLimitDetected,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if ra, ok := d.backoff.RetryAfter(resp.Headers.Get("Retry-After"), now); ok {
		secs := ra.Seconds()
		ev.RetryAfterSeconds = &secs
		delay = ra
	}
	if err := d.store.InsertRateLimitEvent(ctx, ev); err != nil {
		return "", err
	}
	d.recorder.IncRateLimit(it.ProviderID, string(models.RateLimitDetected))

	cause := fmt.Sprintf("%v: HTTP 429", ErrRateLimited)
	outcome, err := d.retryOrFail(ctx, it, cause, resp.StatusCode, &delay)
	if err != nil {
		return outcome, err
	}

	switch outcome {
	case metrics.OutcomeRetried:
		err = d.store.SetRateLimitStatus(ctx, ev.ID, models.RateLimitRetrying, now)
		d.recorder.IncRateLimit(it.ProviderID, string(models.RateLimitRetrying))
	default:
		_, err = d.store.SettleRateLimitEvents(ctx, it.ID, models.RateLimitFailed, now)
		d.recorder.IncRateLimit(it.ProviderID, string(models.RateLimitFailed))
	}
	return outcome, err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
