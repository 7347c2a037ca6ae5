// Package middleware wraps inbound request handlers.
//
// A handler answers through the Inbound it receives (Reply, ReplyError or OK), possibly
// later and from another goroutine. Middleware therefore decorates the call rather than a
// return value, and a middleware that answers on the handler's behalf relies on Inbound
// accepting only the first answer.
package middleware

import (
	"context"

	"duplex-rpc/endpoint"
)

// Error codes used by the middleware in this package (implementation-defined range).
const (
	CodeTimedOut    = -32001
	CodeRateLimited = -32002
)

type HandlerFunc func(ctx context.Context, in *endpoint.Inbound)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
