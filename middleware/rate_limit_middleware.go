package middleware

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects invocations once the configured token bucket
// runs dry. Unlike Server's WithAcceptRateLimit (which throttles new
// connections), this throttles individual calls on already-open sessions.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			if !limiter.Allow() {
				return &Result{Err: fmt.Errorf("middleware: rate limit exceeded for %s", inv.Method)}
			}
			return next(ctx, inv)
		}
	}
}
