package otaflux

import (
	"context"
	"errors"
	log "log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final error is returned.
// Used by the registry client only — the core itself never retries (spec: "no retries inside the core").
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(200 * time.Millisecond)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		err := task(ctx)
		if err != nil && !ShouldRetry(err) {
			return err
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// httpStatusError is the minimal interface a registry-transport error needs
// to implement for ShouldRetry to inspect its status code.
type httpStatusError interface {
	StatusCode() int
}

// ShouldRetry reports whether err is transient and worth another attempt
// against the registry: network errors, timeouts, 429 and 5xx are retryable;
// context cancellation and other 4xx client errors (bad auth, not found)
// are not.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		return code == http.StatusTooManyRequests || code >= 500
	}

	// Anything else (network errors, timeouts, DNS failures) is transient.
	return true
}
