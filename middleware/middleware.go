// Package middleware wraps the business dispatch of a romp server with
// cross-cutting concerns (logging, timeouts, rate limiting, retries) using
// the same onion-composition idiom as an HTTP middleware chain.
package middleware

import "context"

// YieldFunc is the callback a REQUEST_BLOCK invocation uses to stream
// intermediate values back to the caller ahead of its terminating reply.
type YieldFunc func(v interface{}) error

// Invocation describes one dispatched call: the target object, the wire
// method name, its already-decoded arguments, and (for REQUEST_BLOCK only)
// the yield callback.
type Invocation struct {
	ObjectID uint16
	Method   string
	Args     []interface{}
	Yield    YieldFunc
}

// Result is what a HandlerFunc produces: either a value or an error, never
// both meaningfully populated.
type Result struct {
	Value interface{}
	Err   error
}

// HandlerFunc dispatches one Invocation.
type HandlerFunc func(ctx context.Context, inv *Invocation) *Result

// Middleware wraps a HandlerFunc with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into a single Middleware. The first middleware
// given is the outermost layer: Chain(A, B, C)(handler) calls
// A(B(C(handler))), so A sees the call first and last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
