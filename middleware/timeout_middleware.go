package middleware

import (
	"context"
	"time"

	"corerpc/message"
)

// TimeoutMiddleware bounds how long the caller waits for the inward handler. The
// handler goroutine is not cancelled when the timeout fires; it keeps running in the
// background, so handlers that need true cancellation must watch ctx.Done() themselves.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				resp := message.New()
				resp.Fail("request timed out")
				resp.Data.Set("errorType", "TIMEOUT")
				return resp
			}
		}
	}
}
