package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"corerpc/message"
)

// RateLimitMiddleware enforces a token-bucket limit shared across every request that
// passes through this middleware instance. The limiter lives in the outer closure, built
// once per middleware construction, since building it per-request would hand every call a
// fresh full bucket and defeat the limiter entirely.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				resp := message.New()
				resp.Fail("rate limit exceeded")
				resp.Data.Set("errorType", "RATE_LIMITED")
				return resp
			}
			return next(ctx, req)
		}
	}
}
