package generate

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/54b3r/casechat/internal/rag"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the wait before the first retry; it doubles after.
	DefaultBaseDelay = time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy retries rate-limited calls with exponential backoff. Only
// errors classified by IsRateLimited are retried; everything else returns
// after the first attempt. A RetryPolicy holds no mutable state and can be
// shared.
type RetryPolicy struct {
	// MaxRetries bounds retries; total attempts are MaxRetries+1.
	MaxRetries int
	// BaseDelay is the wait before retry 1. Retry n waits BaseDelay*2^(n-1).
	BaseDelay time.Duration
	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep SleepFunc
	// OnRetry, when set, is called before each wait.
	OnRetry func(retry int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns 3 retries at 1s, 2s and 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BaseDelay: DefaultBaseDelay}
}

// Delay returns the wait before the given retry (1-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	return p.BaseDelay << (retry - 1)
}

// Do calls fn until it succeeds, fails with a non-rate-limit error, or the
// retries are spent. It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !IsRateLimited(err) || attempts > p.MaxRetries {
			return attempts, err
		}
		delay := p.Delay(attempts)
		if p.OnRetry != nil {
			p.OnRetry(attempts, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempts, errors.Join(err, serr)
		}
	}
}

// IsRateLimited reports whether err signals an upstream rate limit: it wraps
// rag.ErrRateLimited or its text carries an HTTP 429 marker.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rag.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return status429.MatchString(msg) ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// status429 matches a 429 that is reported as a status, not any digit run
// such as a request id or a byte count.
var status429 = regexp.MustCompile(`(status|code|http)\D{0,3}429\b|\b429 too many`)

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
