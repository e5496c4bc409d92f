// Package ratelimit enforces per-user request quotas over two fixed windows:
// a calendar month sized by the user's plan and a one-minute burst bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/models"
	"github.com/welldanyogia/webrana-ai-proxy/internal/shared/redis"
)

// DefaultBurstLimit is the per-minute ceiling when none is configured
const DefaultBurstLimit = 60

// ErrStoreUnavailable means the counter store could not be reached. Requests
// are refused rather than let through unmetered.
var ErrStoreUnavailable = errors.New("rate limiter store unavailable")

// Reason explains a denial
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonMonthly Reason = "monthly"
	ReasonBurst   Reason = "burst"
)

// Decision is the result of CheckAndConsume
type Decision struct {
	Allowed bool
	// Remaining monthly requests after this one
	Remaining int64
	// Limit is the monthly ceiling
	Limit      int64
	RetryAfter time.Duration
	ResetAt    time.Time
	Reason     Reason
}

// Usage is a read-only snapshot of both windows
type Usage struct {
	MonthlyUsed  int64 `json:"monthly_used"`
	MonthlyLimit int64 `json:"monthly_limit"`
	MinuteUsed   int64 `json:"minute_used"`
	MinuteLimit  int64 `json:"minute_limit"`
}

// Limiter checks and consumes quota
type Limiter struct {
	store Store
	burst int64
	now   func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter. burst <= 0 selects DefaultBurstLimit.
func New(store Store, burst int, opts ...Option) *Limiter {
	if burst <= 0 {
		burst = DefaultBurstLimit
	}
	l := &Limiter{store: store, burst: int64(burst), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BurstLimit returns the per-minute ceiling
func (l *Limiter) BurstLimit() int64 {
	return l.burst
}

// MonthlyKey is the counter key for the calendar month containing t (UTC)
func MonthlyKey(userID string, t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("rate:%s:%d:%d", userID, t.Year(), int(t.Month()))
}

// MinuteKey is the counter key for the minute bucket containing t
func MinuteKey(userID string, t time.Time) string {
	return fmt.Sprintf("rate:%s:minute:%d", userID, t.Unix()/60)
}

// CheckAndConsume admits one request for userID if both windows have room,
// counting it against both. A denied request consumes nothing.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID string, plan models.Plan) (Decision, error) {
	now := l.now().UTC()
	limit := int64(plan.MonthlyRequests)
	monthEnd := nextMonthStart(now)
	minuteLeft := secondsLeftInMinute(now)

	outcome, monthly, _, err := l.store.Admit(ctx,
		MonthlyKey(userID, now), MinuteKey(userID, now),
		limit, l.burst,
		monthEnd.Sub(now), time.Minute,
	)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	d := Decision{Limit: limit, ResetAt: monthEnd}
	switch outcome {
	case redis.AdmitAllowed:
		d.Allowed = true
		d.Remaining = clampZero(limit - monthly - 1)
	case redis.AdmitDeniedMonthly:
		d.Reason = ReasonMonthly
		d.RetryAfter = monthEnd.Sub(now)
	case redis.AdmitDeniedBurst:
		d.Reason = ReasonBurst
		d.Remaining = clampZero(limit - monthly)
		d.RetryAfter = time.Duration(minuteLeft) * time.Second
		d.ResetAt = now.Truncate(time.Second).Add(d.RetryAfter)
	default:
		return Decision{}, fmt.Errorf("%w: unknown admission outcome %d", ErrStoreUnavailable, outcome)
	}
	return d, nil
}

// GetUsage reads both counters without changing them
func (l *Limiter) GetUsage(ctx context.Context, userID string, plan models.Plan) (Usage, error) {
	now := l.now().UTC()
	vals, err := l.store.Counters(ctx, MonthlyKey(userID, now), MinuteKey(userID, now))
	if err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Usage{
		MonthlyUsed:  vals[0],
		MonthlyLimit: int64(plan.MonthlyRequests),
		MinuteUsed:   vals[1],
		MinuteLimit:  l.burst,
	}, nil
}

// IsWarning reports whether used is at or above 80% of limit but not over it
func IsWarning(used, limit int64) bool {
	if limit <= 0 {
		return false
	}
	return used*100 >= limit*80 && used < limit
}

// RetryAfterSeconds rounds a retry delay up to whole seconds, minimum 1
func RetryAfterSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func nextMonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func secondsLeftInMinute(t time.Time) int64 {
	return 60 - t.Unix()%60
}

func clampZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
