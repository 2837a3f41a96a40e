package middleware

import (
	"context"
	"fmt"
	"time"
)

// TimeoutMiddleware bounds how long a single invocation may run. Note this
// only abandons waiting on the handler goroutine — per spec.md §5 there is
// no cancellation primitive, so a runaway method keeps running server-side
// even after its caller gives up on it.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *Result, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return &Result{Err: fmt.Errorf("middleware: %s timed out after %s", inv.Method, timeout)}
			}
		}
	}
}
