// Package limiter throttles outbound provider requests with per-minute request and token buckets.
package limiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"agentfleet/pkg/models"
)

// Limiter holds one ProviderLimiter per configured provider.
type Limiter struct {
	providers map[string]*ProviderLimiter
	now       func() time.Time
	mu        sync.RWMutex
}

// ProviderLimiter enforces requests/min and tokens/min for one provider.
// A zero limit disables that bucket.
//
//nolint:govet // Struct layout optimization not critical for this use case
type ProviderLimiter struct {
	lastRefill        time.Time
	mu                sync.Mutex
	id                string
	requestsPerMinute int
	tokensPerMinute   int64
	currentRequests   int
	currentTokens     int64
}

var (
	// ErrRateLimit is returned when a bucket cannot cover the reservation.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrUnknownProvider is returned for providers the limiter was not built with.
	ErrUnknownProvider = errors.New("provider not configured")
)

// RateLimitError carries how long until the next refill.
type RateLimitError struct {
	Provider string
	RetryIn  time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for provider %s (retry in %s)", e.Provider, e.RetryIn)
}

// Unwrap lets errors.Is match ErrRateLimit.
func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter with full buckets for every provider.
func NewLimiter(providers []models.Provider, opts ...Option) *Limiter {
	l := &Limiter{
		providers: make(map[string]*ProviderLimiter, len(providers)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	start := l.now()
	for i := range providers {
		p := &providers[i]
		l.providers[p.ID] = &ProviderLimiter{
			id:                p.ID,
			requestsPerMinute: p.RequestsPerMinute,
			tokensPerMinute:   int64(p.TokensPerMinute),
			currentRequests:   p.RequestsPerMinute, // Start with full bucket
			currentTokens:     int64(p.TokensPerMinute),
			lastRefill:        start,
		}
	}
	return l
}

func (l *Limiter) provider(id string) (*ProviderLimiter, error) {
	l.mu.RLock()
	pl, exists := l.providers[id]
	l.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return pl, nil
}

// Reserve takes one request and the given tokens from the provider's buckets.
// Either both are taken or neither is; a *RateLimitError is returned on shortfall.
func (l *Limiter) Reserve(providerID string, tokens int64) error {
	pl, err := l.provider(providerID)
	if err != nil {
		return err
	}
	return pl.reserve(l.now(), tokens)
}

// GetStatus returns the remaining requests and tokens in the current minute.
func (l *Limiter) GetStatus(providerID string) (requests int, tokens int64, err error) {
	pl, err := l.provider(providerID)
	if err != nil {
		return 0, 0, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.refill(l.now())
	return pl.currentRequests, pl.currentTokens, nil
}

func (pl *ProviderLimiter) reserve(now time.Time, tokens int64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.refill(now)

	if pl.requestsPerMinute > 0 && pl.currentRequests < 1 {
		return &RateLimitError{Provider: pl.id, RetryIn: pl.untilRefill(now)}
	}
	// A single request larger than the whole bucket is let through on a full bucket.
	if pl.tokensPerMinute > 0 && tokens > 0 && pl.currentTokens < min(tokens, pl.tokensPerMinute) {
		return &RateLimitError{Provider: pl.id, RetryIn: pl.untilRefill(now)}
	}

	if pl.requestsPerMinute > 0 {
		pl.currentRequests--
	}
	if pl.tokensPerMinute > 0 {
		pl.currentTokens = max(pl.currentTokens-tokens, 0)
	}
	return nil
}

func (pl *ProviderLimiter) untilRefill(now time.Time) time.Duration {
	return pl.lastRefill.Add(time.Minute).Sub(now)
}

func (pl *ProviderLimiter) refill(now time.Time) {
	elapsed := now.Sub(pl.lastRefill)
	if elapsed < time.Minute {
		return
	}

	// Buckets refill completely once per elapsed minute.
	pl.currentRequests = pl.requestsPerMinute
	pl.currentTokens = pl.tokensPerMinute

	minutes := elapsed / time.Minute
	pl.lastRefill = pl.lastRefill.Add(minutes * time.Minute)
}
