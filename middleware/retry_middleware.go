package middleware

import (
	"context"
	"strings"
	"time"
)

// RetryMiddleware retries an invocation whose error looks transient
// (timeout, connection refused) with exponential backoff. Application
// exceptions are never retried — only failures the handler chain itself
// raised (e.g. TimeoutMiddleware's own error) look like this.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			var res *Result
			for i := 0; i <= maxRetries; i++ {
				res = next(ctx, inv)
				if res.Err == nil || !isTransient(res.Err) {
					return res
				}
				if i < maxRetries {
					time.Sleep(baseDelay * time.Duration(int64(1)<<uint(i)))
				}
			}
			return res
		}
	}
}

func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused")
}
