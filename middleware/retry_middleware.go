package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"corerpc/message"
)

// RetryMiddleware retries a failed call when the failure message names a transient
// condition (timeout, connection refused), backing off exponentially between attempts.
// A non-transient failure is returned immediately without consuming a retry.
func RetryMiddleware(logger *zap.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || resp.Head.GetBool(message.HeadResult) {
					return resp
				}
				detail := resp.Head.GetString(message.HeadMessage)
				if !strings.Contains(detail, "timeout") && !strings.Contains(detail, "connection refused") {
					return resp
				}
				logger.Info("retrying rpc call",
					zap.Int("attempt", i+1),
					zap.String("target", req.Target()),
					zap.String("reason", detail),
				)
				time.Sleep(baseDelay * time.Duration(uint(1)<<uint(i)))
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
