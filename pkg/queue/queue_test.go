package queue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfleet/pkg/config"
	"agentfleet/pkg/models"
	"agentfleet/pkg/persistence"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, clock *testClock) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleet.db"), persistence.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestQueue(t *testing.T) (*Queue, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	store := newTestStore(t, clock)
	return New(store.Queue(), WithClock(clock.Now), WithDefaultMaxRetries(3)), clock
}

func intp(n int) *int { return &n }

func TestEnqueueDefaults(t *testing.T) {
	q, _ := newTestQueue(t)

	it, err := q.Enqueue(context.Background(), EnqueueRequest{ProviderID: "anthropic", Endpoint: "/v1/messages"})
	require.NoError(t, err)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, models.QueuePending, it.Status)
	assert.Equal(t, models.QueueMedium, it.Priority)
	assert.Equal(t, http.MethodPost, it.Method)
	assert.Equal(t, 3, it.MaxRetries)
	assert.Nil(t, it.ScheduledAt)

	stored, err := q.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.Endpoint, stored.Endpoint)
	assert.Equal(t, t0, stored.CreatedAt)
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing provider", EnqueueRequest{Endpoint: "/x"}},
		{"missing endpoint", EnqueueRequest{ProviderID: "p"}},
		{"priority out of range", EnqueueRequest{ProviderID: "p", Endpoint: "/x", Priority: 7}},
		{"negative retries", EnqueueRequest{ProviderID: "p", Endpoint: "/x", MaxRetries: intp(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidItem)
		})
	}
}

func TestClaimNextFollowsPriority(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, p := range []models.QueuePriority{models.QueueLow, models.QueueHigh, models.QueueMedium} {
		_, err := q.Enqueue(ctx, EnqueueRequest{ProviderID: "anthropic", Endpoint: "/v1/messages", Priority: p})
		require.NoError(t, err)
	}

	var order []models.QueuePriority
	for {
		it, err := q.ClaimNext(ctx, "anthropic")
		require.NoError(t, err)
		if it == nil {
			break
		}
		assert.Equal(t, models.QueueProcessing, it.Status)
		order = append(order, it.Priority)
	}
	assert.Equal(t, []models.QueuePriority{models.QueueHigh, models.QueueMedium, models.QueueLow}, order)
}

func TestCancel(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	it, err := q.Enqueue(ctx, EnqueueRequest{ProviderID: "anthropic", Endpoint: "/v1/messages"})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, it.ID))
	got, err := q.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, got.Status)

	assert.ErrorIs(t, q.Cancel(ctx, it.ID), ErrNotCancellable)
	assert.ErrorIs(t, q.Cancel(ctx, "missing"), ErrItemNotFound)

	claimed, err := q.ClaimNext(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, claimed, "cancelled items are never claimed")
}

func TestRecoverStale(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	it, err := q.Enqueue(ctx, EnqueueRequest{ProviderID: "anthropic", Endpoint: "/v1/messages"})
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "anthropic")
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(11 * time.Minute)
	n, err = q.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueuePending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestPurgeTerminalAndStats(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	done, err := q.Enqueue(ctx, EnqueueRequest{ProviderID: "anthropic", Endpoint: "/a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{ProviderID: "anthropic", Endpoint: "/b"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{ProviderID: "openai", Endpoint: "/c"})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, done.ID))

	stats, err := q.Stats(ctx, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.QueuePending])
	assert.Equal(t, 1, stats[models.QueueCancelled])

	all, err := q.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, all[models.QueuePending])

	clock.Advance(8 * 24 * time.Hour)
	n, err := q.PurgeTerminal(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, JitterFraction: 0.5}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 10*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(60), "large attempts stay capped")

	assert.Equal(t, time.Second, b.Jitter(4*time.Second, 0.5))
	assert.Zero(t, b.Jitter(4*time.Second, 0))
	assert.Zero(t, Backoff{Base: time.Second, Max: time.Second}.Jitter(time.Second, 0.9))
}

func TestParseRetryAfter(t *testing.T) {
	now := t0
	saturated := time.Duration(maxRetryAfterSeconds) * time.Second

	tests := []struct {
		value string
		want  time.Duration
		ok    bool
	}{
		{"30", 30 * time.Second, true},
		{" 0 ", 0, true},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{now.Add(-time.Hour).Format(http.TimeFormat), 0, true},
		{"99999999999999999999", saturated, true},
		{"", 0, false},
		{"soon", 0, false},
		{"-5", 0, false},
		{"+5", 0, false},
		{"1.5", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"1e300", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			d, ok := ParseRetryAfter(tt.value, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
			assert.GreaterOrEqual(t, d, time.Duration(0))
		})
	}
}

func TestBackoffRetryAfterCapsAtMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute}

	d, ok := b.RetryAfter("30", t0)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	d, ok = b.RetryAfter("86400", t0)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)

	d, ok = b.RetryAfter("99999999999999999999", t0)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)

	_, ok = b.RetryAfter("Inf", t0)
	assert.False(t, ok)
}

func TestHTTPTransport(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "item", r.Header.Get("X-Request-Tag"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))

	tr := NewHTTPTransport([]config.ProviderConfig{{
		ID:      "anthropic",
		BaseURL: srv.URL + "/",
		Headers: map[string]string{"X-Api-Key": "secret"},
	}}, 5*time.Second)

	resp, err := tr.Send(context.Background(), &Request{
		ProviderID: "anthropic",
		Endpoint:   "v1/messages",
		Headers:    map[string]string{"X-Request-Tag": "item"},
		Payload:    []byte(`{"prompt":"hi"}`),
	})
	require.NoError(t, err, "error statuses are responses, not transport errors")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "12", resp.Headers.Get("Retry-After"))
	assert.JSONEq(t, `{"error":"slow down"}`, string(resp.Body))
	assert.Equal(t, `{"prompt":"hi"}`, gotBody)

	srv.Close()
	_, err = tr.Send(context.Background(), &Request{ProviderID: "anthropic", Endpoint: "/v1/messages"})
	assert.ErrorIs(t, err, ErrTransport)
}
