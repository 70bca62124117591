package limiter

import (
	"errors"
	"testing"
	"time"

	"agentfleet/pkg/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(clock *fakeClock) *Limiter {
	return NewLimiter([]models.Provider{
		{ID: "anthropic", RequestsPerMinute: 2, TokensPerMinute: 1000},
		{ID: "unlimited"},
	}, WithClock(clock.Now))
}

func TestReserveRequestBucket(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)

	for i := 0; i < 2; i++ {
		if err := limiter.Reserve("anthropic", 10); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	err := limiter.Reserve("anthropic", 10)
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryIn != time.Minute {
		t.Errorf("expected retry in one minute, got %+v", rl)
	}

	clock.Advance(time.Minute)
	if err := limiter.Reserve("anthropic", 10); err != nil {
		t.Errorf("expected refill after a minute, got %v", err)
	}
}

func TestReserveTokenBucket(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)

	if err := limiter.Reserve("anthropic", 900); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := limiter.Reserve("anthropic", 200); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected token shortfall, got %v", err)
	}

	requests, tokens, err := limiter.GetStatus("anthropic")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if requests != 1 || tokens != 100 {
		t.Errorf("failed reservation must not consume: requests=%d tokens=%d", requests, tokens)
	}
}

func TestOversizedRequestOnFullBucket(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)

	if err := limiter.Reserve("anthropic", 5000); err != nil {
		t.Fatalf("oversized request on a full bucket should pass, got %v", err)
	}
	if _, tokens, _ := limiter.GetStatus("anthropic"); tokens != 0 {
		t.Errorf("expected empty token bucket, got %d", tokens)
	}
}

func TestUnlimitedProvider(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(clock)

	for i := 0; i < 100; i++ {
		if err := limiter.Reserve("unlimited", 1_000_000); err != nil {
			t.Fatalf("unlimited provider rejected reserve %d: %v", i, err)
		}
	}
}

func TestUnknownProvider(t *testing.T) {
	limiter := NewLimiter(nil)
	if err := limiter.Reserve("missing", 1); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}
