// Package queue persists outbound provider requests and dispatches them
// with priority ordering, retry backoff and quota admission control.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentfleet/pkg/logx"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

var (
	// ErrItemNotFound is returned for unknown queue item ids.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotCancellable is returned when cancelling an item that already finished.
	ErrNotCancellable = errors.New("queue item is not cancellable")
	// ErrInvalidItem is returned by Enqueue for malformed requests.
	ErrInvalidItem = errors.New("invalid queue item")
	// ErrRateLimited marks a 429 or provider-signaled rate limit.
	ErrRateLimited = errors.New("rate limited by provider")
)

// Store is the persistence the queue needs.
type Store interface {
	InsertItem(ctx context.Context, it *models.QueueItem) error
	GetItem(ctx context.Context, id string) (*models.QueueItem, error)
	ClaimNextPending(ctx context.Context, providerID string, now time.Time) (*models.QueueItem, error)
	CompleteItem(ctx context.Context, id string, responseStatus int, at time.Time) (bool, error)
	RetryItem(ctx context.Context, id string, retryCount int, scheduledAt time.Time, lastError string, responseStatus int, at time.Time) (bool, error)
	DeferItem(ctx context.Context, id string, scheduledAt time.Time, reason string, at time.Time) (bool, error)
	FailItem(ctx context.Context, id, lastError string, responseStatus int, at time.Time) (bool, error)
	CancelItem(ctx context.Context, id string, at time.Time) (bool, error)
	RequeueStale(ctx context.Context, cutoff, at time.Time) (int64, error)
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context, providerID string) (map[models.QueueStatus]int, error)

	InsertRateLimitEvent(ctx context.Context, e *models.RateLimitEvent) error
	SetRateLimitStatus(ctx context.Context, id string, status models.RateLimitStatus, at time.Time) error
	SettleRateLimitEvents(ctx context.Context, queueItemID string, status models.RateLimitStatus, at time.Time) (int64, error)
	ListRateLimitEvents(ctx context.Context, queueItemID string) ([]models.RateLimitEvent, error)
}

// Queue is the request queue service.
type Queue struct {
	store             Store
	defaultMaxRetries int
	logger            *logx.Logger
	now               func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDefaultMaxRetries sets max_retries for items enqueued without one.
func WithDefaultMaxRetries(n int) Option {
	return func(q *Queue) { q.defaultMaxRetries = n }
}

// New creates a queue over store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:             store,
		defaultMaxRetries: 3,
		logger:            logx.NewLogger("queue"),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueRequest describes a request to persist. Zero Priority means medium,
// empty Method means POST and nil MaxRetries takes the queue default.
type EnqueueRequest struct {
	ProviderID  string
	ProjectID   *string
	SessionID   *string
	Endpoint    string
	Method      string
	Payload     []byte
	Headers     map[string]string
	Priority    models.QueuePriority
	ScheduledAt *time.Time
	MaxRetries  *int
}

// Enqueue persists a pending item.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueItem, error) {
	if req.ProviderID == "" {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidItem)
	}
	if req.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidItem)
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.QueueMedium
	}
	if priority < models.QueueLow || priority > models.QueueHigh {
		return nil, fmt.Errorf("%w: priority %d out of range", ErrInvalidItem, priority)
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	maxRetries := q.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidItem)
	}

	now := q.now().UTC()
	it := &models.QueueItem{
		ProviderID:  req.ProviderID,
		ProjectID:   req.ProjectID,
		SessionID:   req.SessionID,
		Endpoint:    req.Endpoint,
		Method:      method,
		Payload:     req.Payload,
		Headers:     req.Headers,
		Priority:    priority,
		Status:      models.QueuePending,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertItem(ctx, it); err != nil {
		return nil, err
	}
	logx.Debug(ctx, "queue", "enqueued %s for %s (priority %d)", it.ID, it.ProviderID, it.Priority)
	return it, nil
}

// ClaimNext marks the next ready item processing and returns it; nil when
// nothing is ready. An empty providerID claims across providers.
func (q *Queue) ClaimNext(ctx context.Context, providerID string) (*models.QueueItem, error) {
	return q.store.ClaimNextPending(ctx, providerID, q.now().UTC())
}

// Get returns an item by id.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	it, err := q.store.GetItem(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return it, err
}

// Cancel moves a pending or processing item to cancelled. An in-flight call
// for a processing item finishes, but no retry is scheduled afterwards.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	ok, err := q.store.CancelItem(ctx, id, q.now().UTC())
	if err != nil {
		return err
	}
	if ok {
		q.logger.Info("cancelled queue item %s", id)
		return nil
	}
	it, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, it.Status)
}

// Stats counts items by status, optionally for one provider.
func (q *Queue) Stats(ctx context.Context, providerID string) (map[models.QueueStatus]int, error) {
	return q.store.CountByStatus(ctx, providerID)
}

// RateLimitEvents returns the rate-limit audit trail of an item.
func (q *Queue) RateLimitEvents(ctx context.Context, id string) ([]models.RateLimitEvent, error) {
	return q.store.ListRateLimitEvents(ctx, id)
}

// RecoverStale returns items stuck in processing longer than timeout to
// pending, for workers that died mid-dispatch.
func (q *Queue) RecoverStale(ctx context.Context, timeout time.Duration) (int, error) {
	now := q.now().UTC()
	n, err := q.store.RequeueStale(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("requeued %d stale processing item(s)", n)
	}
	return int(n), nil
}

// PurgeTerminal deletes finished items last updated before now-retention.
func (q *Queue) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	n, err := q.store.PurgeTerminal(ctx, q.now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("purged %d finished queue item(s)", n)
	}
	return int(n), nil
}
