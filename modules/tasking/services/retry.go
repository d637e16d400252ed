package services

import (
	"context"
	"time"

	"github.com/fieldline/taskflow/pkg/outbox"
)

// withRetry runs fn up to attempts times, backing off exponentially between
// tries. Only optimistic conflicts and transient store failures are retried;
// a cancelled context ends the loop immediately.
func withRetry(ctx context.Context, attempts int, maxBackoff time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(outbox.Backoff(attempt, maxBackoff)):
		}
	}
	return err
}
