package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wudi/zgw-gateway/internal/config"
)

// DefaultRetryableStatuses are HTTP status codes that trigger a retry
var DefaultRetryableStatuses = []int{502, 503, 504}

// RetryPolicy retries idempotent fetches the gateway issues on its own
// (pagination walks and embeds) with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RetryableStatuses map[int]bool
}

// NewRetryPolicy creates a retry policy from config
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	p := RetryPolicy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 5 * time.Second
	}

	statuses := cfg.RetryableStatuses
	if len(statuses) == 0 {
		statuses = DefaultRetryableStatuses
	}
	p.RetryableStatuses = make(map[int]bool, len(statuses))
	for _, s := range statuses {
		p.RetryableStatuses[s] = true
	}
	return p
}

// backOff returns the backoff schedule for one fetch.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)
}
