package httpx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// backoffBase is the unit of the retry delay; tests shrink it.
var backoffBase = time.Second

// backoffDelay is the wait before retry n (n >= 1): n² units plus up to
// half that again in jitter.
func backoffDelay(n int) time.Duration {
	base := time.Duration(n*n) * backoffBase
	return base + time.Duration(rand.Int63n(int64(base/2+1)))
}

// DoWithRetry sends the request built by buildReq, retrying transport
// failures, 5xx and 429 up to maxRetries times with a quadratic backoff.
// Other statuses are returned to the caller as-is. Use it only for
// idempotent requests.
func DoWithRetry(ctx context.Context, client *http.Client, maxRetries int, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", delay, "err", lastErr)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		default:
			return resp, nil
		}
	}
	return nil, fmt.Errorf("gave up after %d retries: %w", maxRetries, lastErr)
}
