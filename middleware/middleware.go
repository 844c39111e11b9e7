// Package middleware implements the onion model middleware chain sitting between
// rpcserver's connection handler and the resolved invoker call.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
//
// Each middleware can do pre-processing, call next to pass control inward, do
// post-processing, or short-circuit by returning early without calling next (e.g. rate
// limiting rejecting a request before it ever reaches an invoker).
package middleware

import (
	"context"

	"corerpc/message"
)

// HandlerFunc is the signature shared by the business handler and every
// middleware-wrapped handler. ctx carries cancellation/deadline, not request data;
// request data lives in req. A nil return means the route was void: the method wrote
// its own response and nothing must be auto-sent, so middlewares must tolerate nil.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

// Middleware takes a handler and returns a new handler wrapping it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, with the first middleware in the list as the
// outermost layer (runs first on the way in, last on the way out).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
