package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"MailCadence/internal/metrics"
	"MailCadence/internal/models"
)

const DefaultHourlyLimit = 200

const window = time.Hour

// Limiter enforces a per-sender ceiling over clock-hour windows. Counters
// are keyed by sender and window start and expire at the end of the hour.
type Limiter struct {
	store CounterStore
	limit int
	now   func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store CounterStore, hourlyLimit int, opts ...Option) *Limiter {
	if hourlyLimit <= 0 {
		hourlyLimit = DefaultHourlyLimit
	}
	l := &Limiter{store: store, limit: hourlyLimit, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) Limit() int { return l.limit }

// CheckAndIncrement counts one send attempt against the sender's current
// window and reports whether the post-increment count is within the limit.
// The increment happens even when the limit is exceeded. A counter store
// error fails closed: false plus an error wrapping models.ErrStoreUnavailable.
func (l *Limiter) CheckAndIncrement(ctx context.Context, senderID string) (bool, error) {
	now := l.now()
	key := windowKey(senderID, now)

	n, err := l.store.IncrementWithExpiry(ctx, key, untilNextWindow(now))
	if err != nil {
		return false, models.Unavailable("rate limit increment", err)
	}
	if n > int64(l.limit) {
		metrics.RateLimitExceeded.WithLabelValues(senderID).Inc()
		return false, nil
	}
	return true, nil
}

// NextAvailableSlot returns the start of the next hour strictly after now.
// It only looks at the clock, not at the sender's counter.
func (l *Limiter) NextAvailableSlot(_ string) time.Time {
	return nextWindow(l.now())
}

// CurrentCount returns the count for the sender's active window, 0 if none.
func (l *Limiter) CurrentCount(ctx context.Context, senderID string) (int, error) {
	n, ok, err := l.store.Get(ctx, windowKey(senderID, l.now()))
	if err != nil {
		return 0, models.Unavailable("rate limit read", err)
	}
	if !ok {
		return 0, nil
	}
	return int(n), nil
}

// Reset clears the sender's active window.
func (l *Limiter) Reset(ctx context.Context, senderID string) error {
	if err := l.store.Delete(ctx, windowKey(senderID, l.now())); err != nil {
		return models.Unavailable("rate limit reset", err)
	}
	return nil
}

func windowStart(t time.Time) time.Time {
	return t.Truncate(window)
}

func nextWindow(t time.Time) time.Time {
	return windowStart(t).Add(window)
}

func untilNextWindow(t time.Time) time.Duration {
	return nextWindow(t).Sub(t)
}

func windowKey(senderID string, t time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%s", senderID, strconv.FormatInt(windowStart(t).UnixMilli(), 10))
}
