package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"corerpc/message"
)

// LoggingMiddleware records the routing target, duration, and result for each call
// through the diagnostic logger, tagged with the request's transaction id when present.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp == nil {
				// Void route: the handler sent its own response, nothing to inspect.
				logger.Debug("rpc call completed without auto-response",
					zap.String("target", req.Target()), zap.Duration("duration", duration))
				return nil
			}

			fields := []zap.Field{
				zap.String("target", req.Target()),
				zap.Duration("duration", duration),
				zap.String("extTrxId", req.Head.GetString(message.HeadExtTrxID)),
			}
			if !resp.Head.GetBool(message.HeadResult) {
				logger.Warn("rpc call failed", append(fields, zap.String("message", resp.Head.GetString(message.HeadMessage)))...)
			} else {
				logger.Debug("rpc call completed", fields...)
			}
			return resp
		}
	}
}
