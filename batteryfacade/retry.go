package batteryfacade

import (
	"context"
	"time"

	"github.com/pricesync/controller/prices"
)

// retryBackoffs is the fixed exponential schedule used for UploadTariff
// retries, per spec.md section 4.5: after the first attempt, three retries
// waiting 1s/2s/4s before each.
var retryBackoffs = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// withRetry runs op, retrying on transient errors up to len(retryBackoffs)
// additional times with the fixed backoff schedule. Permanent-client
// errors are returned immediately without retry, matching the 5xx-retry /
// 4xx-no-retry split in spec.md section 7.
func withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoffs); attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if attempt == len(retryBackoffs) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoffs[attempt]):
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	var pe *prices.Error
	if e, ok := err.(*prices.Error); ok {
		pe = e
	}
	if pe == nil {
		return true // unclassified errors are assumed transient, so they aren't swallowed silently
	}
	return pe.Kind == prices.ErrTransient
}
