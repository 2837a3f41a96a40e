package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs object id, method, duration, and error for every
// dispatched call.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) *Result {
			start := time.Now()
			res := next(ctx, inv)
			fields := []zap.Field{
				zap.Uint16("object_id", inv.ObjectID),
				zap.String("method", inv.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if res.Err != nil {
				log.Debug("call failed", append(fields, zap.Error(res.Err))...)
			} else {
				log.Debug("call completed", fields...)
			}
			return res
		}
	}
}
