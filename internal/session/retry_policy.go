package session

import "time"

// Retry defaults.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 2 * time.Second
)

// RetryPolicy decides whether a dropped stream is reopened and when. The
// delay grows linearly: BackoffBase, 2*BackoffBase, 3*BackoffBase...
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
}

// DefaultRetryPolicy returns three retries at 2s, 4s and 6s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, BackoffBase: DefaultBackoffBase}
}

// ShouldRetry reports whether a session that has already retried retryCount
// times may try again.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Backoff returns the wait before the reconnect that follows retryCount
// earlier retries.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return p.BackoffBase * time.Duration(retryCount+1)
}
