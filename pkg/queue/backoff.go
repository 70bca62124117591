package queue

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff computes retry delays: min(Max, Base*2^attempt) plus up to
// JitterFraction of that delay at random.
type Backoff struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64
}

// Delay returns the capped exponential delay for a zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}
	return min(delay, b.Max)
}

// Jitter scales delay by JitterFraction and r, where r is in [0,1).
func (b Backoff) Jitter(delay time.Duration, r float64) time.Duration {
	if b.JitterFraction <= 0 || delay <= 0 {
		return 0
	}
	return time.Duration(float64(delay) * b.JitterFraction * r)
}

// maxRetryAfterSeconds keeps delta seconds within time.Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// ParseRetryAfter reads a Retry-After value given either as delta seconds
// (1*DIGIT) or as an HTTP date. A date in the past yields zero and delta
// seconds beyond the Duration range saturate.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if isDigits(value) {
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil || secs > maxRetryAfterSeconds {
			secs = maxRetryAfterSeconds
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}

// RetryAfter parses a Retry-After header and caps the result at Max.
func (b Backoff) RetryAfter(value string, now time.Time) (time.Duration, bool) {
	d, ok := ParseRetryAfter(value, now)
	if !ok {
		return 0, false
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d, true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
