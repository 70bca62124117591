package queue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/pkg/config"
	"agentfleet/pkg/limiter"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
	"agentfleet/pkg/quota"
)

type reply struct {
	resp *Response
	err  error
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   []*Request
	replies []reply
	onSend  func(*Request)
}

func (f *fakeTransport) queue(replies ...reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeTransport) Send(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	var r reply
	if len(f.replies) > 0 {
		r, f.replies = f.replies[0], f.replies[1:]
	} else {
		r = reply{resp: &Response{StatusCode: http.StatusOK}}
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return r.resp, r.err
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func status(code int, headers ...string) reply {
	h := http.Header{}
	for i := 0; i+1 < len(headers); i += 2 {
		h.Set(headers[i], headers[i+1])
	}
	return reply{resp: &Response{StatusCode: code, Headers: h, Body: []byte(http.StatusText(code))}}
}

type fixedEstimator int64

func (f fixedEstimator) EstimatePayload([]byte) int64 { return int64(f) }

type dispatchFixture struct {
	clock     *testClock
	store     *persistence.Store
	q         *Queue
	gov       *quota.Governor
	transport *fakeTransport
	d         *Dispatcher
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		JitterFraction: 0.5,
		DeferDelay:     30 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func newDispatchFixture(t *testing.T, opts ...DispatcherOption) *dispatchFixture {
	t.Helper()
	clock := &testClock{now: t0}
	store := newTestStore(t, clock)

	gov := quota.New(store.Quotas(), models.AlertConfig{
		WarningPercent: 80, CriticalPercent: 90, EmergencyPercent: 95, CooldownMinutes: 60,
	}, quota.WithClock(clock.Now))
	require.NoError(t, gov.SyncProviders(context.Background(), []models.Provider{
		{ID: "anthropic", Name: "Anthropic", QuotaRequests: 100, QuotaPeriod: 24 * time.Hour},
	}))

	ft := &fakeTransport{}
	all := append([]DispatcherOption{
		WithGovernor(gov),
		WithDispatchClock(clock.Now),
		WithRandom(func() float64 { return 0 }),
	}, opts...)
	return &dispatchFixture{
		clock:     clock,
		store:     store,
		q:         New(store.Queue(), WithClock(clock.Now)),
		gov:       gov,
		transport: ft,
		d:         NewDispatcher(store.Queue(), ft, testQueueConfig(), all...),
	}
}

func (f *dispatchFixture) enqueue(t *testing.T, req EnqueueRequest) *models.QueueItem {
	t.Helper()
	if req.ProviderID == "" {
		req.ProviderID = "anthropic"
	}
	if req.Endpoint == "" {
		req.Endpoint = "/v1/messages"
	}
	it, err := f.q.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return it
}

func (f *dispatchFixture) process(t *testing.T) bool {
	t.Helper()
	handled, err := f.d.ProcessNext(context.Background(), "anthropic")
	require.NoError(t, err)
	return handled
}

func (f *dispatchFixture) item(t *testing.T, id string) *models.QueueItem {
	t.Helper()
	it, err := f.q.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}

func (f *dispatchFixture) usage(t *testing.T, projectID *string) *models.QuotaUsage {
	t.Helper()
	u, err := f.store.Quotas().GetUsage(context.Background(), "anthropic", projectID)
	require.NoError(t, err)
	return u
}

func TestDispatchCompletes(t *testing.T) {
	f := newDispatchFixture(t, WithTokenEstimator(fixedEstimator(42)))
	project := "p1"
	it := f.enqueue(t, EnqueueRequest{
		ProjectID: &project,
		Payload:   []byte(`{"messages":[{"role":"user","content":"hello"}]}`),
		Headers:   map[string]string{"X-Trace": "abc"},
	})

	assert.True(t, f.process(t))
	assert.False(t, f.process(t), "queue is empty")

	got := f.item(t, it.ID)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Equal(t, http.StatusOK, got.ResponseStatus)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0, *got.CompletedAt)

	require.Equal(t, 1, f.transport.callCount())
	sent := f.transport.calls[0]
	assert.Equal(t, "/v1/messages", sent.Endpoint)
	assert.Equal(t, http.MethodPost, sent.Method)
	assert.Equal(t, "abc", sent.Headers["X-Trace"])

	provider := f.usage(t, nil)
	assert.Equal(t, int64(1), provider.CurrentRequests)
	assert.Equal(t, int64(42), provider.CurrentTokens)
	assert.Equal(t, int64(1), f.usage(t, &project).CurrentRequests)
}

func TestDispatchRateLimitHonorsRetryAfter(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.transport.queue(status(http.StatusTooManyRequests, "Retry-After", "30"))
	it := f.enqueue(t, EnqueueRequest{})

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, http.StatusTooManyRequests, got.ResponseStatus)
	assert.Contains(t, got.LastError, "rate limited")
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, t0.Add(30*time.Second), *got.ScheduledAt)

	events, err := f.q.RateLimitEvents(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.RateLimitRetrying, events[0].Status)
	assert.Equal(t, 1, events[0].AttemptNumber)
	assert.Equal(t, 4, events[0].MaxAttempts)
	require.NotNil(t, events[0].RetryAfterSeconds)
	assert.InDelta(t, 30.0, *events[0].RetryAfterSeconds, 0.001)

	_, err = f.store.Quotas().GetUsage(ctx, "anthropic", nil)
	assert.ErrorIs(t, err, persistence.ErrNotFound, "429 does not consume quota")

	assert.False(t, f.process(t), "not ready before Retry-After")
	f.clock.Advance(30 * time.Second)
	require.True(t, f.process(t))

	assert.Equal(t, models.QueueCompleted, f.item(t, it.ID).Status)
	events, err = f.q.RateLimitEvents(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RateLimitResolved, events[0].Status)
	assert.Equal(t, int64(1), f.usage(t, nil).CurrentRequests)
}

func TestDispatchRateLimitIgnoresMalformedRetryAfter(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	f.transport.queue(status(http.StatusTooManyRequests, "Retry-After", "NaN"))
	f.transport.queue(status(http.StatusTooManyRequests, "Retry-After", "1e300"))
	f.transport.queue(status(http.StatusTooManyRequests, "Retry-After", "99999999999"))
	it := f.enqueue(t, EnqueueRequest{})

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, t0.Add(time.Second), *got.ScheduledAt, "falls back to backoff")

	f.clock.Advance(time.Second)
	require.True(t, f.process(t))
	got = f.item(t, it.ID)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), *got.ScheduledAt)

	f.clock.Advance(2 * time.Second)
	require.True(t, f.process(t))
	got = f.item(t, it.ID)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *got.ScheduledAt, "capped at backoff max")

	events, err := f.q.RateLimitEvents(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Nil(t, events[0].RetryAfterSeconds)
	assert.Nil(t, events[1].RetryAfterSeconds)
	require.NotNil(t, events[2].RetryAfterSeconds)
	assert.InDelta(t, 60.0, *events[2].RetryAfterSeconds, 0.001)
}

func TestDispatchRateLimitExhausted(t *testing.T) {
	f := newDispatchFixture(t, WithRandom(func() float64 { return 0.5 }))
	f.transport.queue(status(http.StatusTooManyRequests))
	it := f.enqueue(t, EnqueueRequest{MaxRetries: intp(0)})

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.FailedAt)

	events, err := f.q.RateLimitEvents(context.Background(), it.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.RateLimitFailed, events[0].Status)
	assert.InDelta(t, 1.0, events[0].CalculatedBackoffSeconds, 0.001)
	assert.InDelta(t, 0.25, events[0].JitterSeconds, 0.001)
	assert.Nil(t, events[0].RetryAfterSeconds)
}

func TestDispatchRetryCountConvention(t *testing.T) {
	f := newDispatchFixture(t)
	boom := errors.New("connection reset")
	f.transport.queue(reply{err: boom}, reply{err: boom}, reply{err: boom})
	it := f.enqueue(t, EnqueueRequest{MaxRetries: intp(2)})

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, t0.Add(time.Second), *got.ScheduledAt)

	f.clock.Advance(time.Second)
	require.True(t, f.process(t))
	got = f.item(t, it.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, t0.Add(3*time.Second), *got.ScheduledAt, "second retry waits base*2")

	f.clock.Advance(2 * time.Second)
	require.True(t, f.process(t))
	got = f.item(t, it.ID)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.LastError, "transport error")
	assert.Contains(t, got.LastError, "connection reset")
	assert.Equal(t, 3, f.transport.callCount())
}

func TestDispatchServerErrorRetries(t *testing.T) {
	f := newDispatchFixture(t)
	f.transport.queue(status(http.StatusServiceUnavailable))
	it := f.enqueue(t, EnqueueRequest{})

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "HTTP 503: Service Unavailable", got.LastError)
	assert.Equal(t, int64(1), f.usage(t, nil).CurrentRequests, "answered calls count against quota")
}

func TestDispatchDefersOnQuota(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	_, err := f.gov.IncrementUsage(ctx, "anthropic", nil, 95, 0)
	require.NoError(t, err)
	it := f.enqueue(t, EnqueueRequest{})

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, got.RetryCount, "deferral is not a retry")
	assert.Contains(t, got.LastError, "deferred")
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, t0.Add(30*time.Second), *got.ScheduledAt)
	assert.Zero(t, f.transport.callCount())
}

func TestDispatchDefersOnProjectQuota(t *testing.T) {
	f := newDispatchFixture(t)
	ctx := context.Background()
	project := "p1"
	_, err := f.gov.IncrementUsage(ctx, "anthropic", &project, 100, 0)
	require.NoError(t, err)

	blocked := f.enqueue(t, EnqueueRequest{ProjectID: &project})
	require.True(t, f.process(t))
	assert.Equal(t, models.QueuePending, f.item(t, blocked.ID).Status)

	free := f.enqueue(t, EnqueueRequest{})
	require.True(t, f.process(t))
	assert.Equal(t, models.QueueCompleted, f.item(t, free.ID).Status)
}

func TestDispatchDefersOnThrottle(t *testing.T) {
	f := newDispatchFixture(t)
	lim := limiter.NewLimiter([]models.Provider{{ID: "anthropic", RequestsPerMinute: 1}}, limiter.WithClock(f.clock.Now))
	f.d = NewDispatcher(f.store.Queue(), f.transport, testQueueConfig(),
		WithDispatchClock(f.clock.Now), WithThrottle(lim), WithRandom(func() float64 { return 0 }))

	first := f.enqueue(t, EnqueueRequest{Priority: models.QueueHigh})
	second := f.enqueue(t, EnqueueRequest{})

	n, err := f.d.Drain(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.transport.callCount())

	assert.Equal(t, models.QueueCompleted, f.item(t, first.ID).Status)
	got := f.item(t, second.ID)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, got.RetryCount)
	require.NotNil(t, got.ScheduledAt)
	assert.Equal(t, t0.Add(time.Minute), *got.ScheduledAt)
}

func TestCancelDuringDispatchPreventsRetry(t *testing.T) {
	f := newDispatchFixture(t)
	it := f.enqueue(t, EnqueueRequest{})
	f.transport.queue(status(http.StatusInternalServerError))
	f.transport.onSend = func(*Request) {
		assert.NoError(t, f.q.Cancel(context.Background(), it.ID))
	}

	require.True(t, f.process(t))
	got := f.item(t, it.ID)
	assert.Equal(t, models.QueueCancelled, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.ScheduledAt)
}

func TestDrainSerializesPerProvider(t *testing.T) {
	f := newDispatchFixture(t)
	var inflight, peak atomic.Int32
	f.transport.onSend = func(*Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
	}
	for i := 0; i < 6; i++ {
		f.enqueue(t, EnqueueRequest{})
	}

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.d.Drain(context.Background(), "anthropic")
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(6), total.Load())
	assert.Equal(t, int32(1), peak.Load())
	stats, err := f.q.Stats(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, 6, stats[models.QueueCompleted])
}
