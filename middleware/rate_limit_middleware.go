package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"duplex-rpc/endpoint"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
// Requests over the limit are answered with CodeRateLimited and never reach next.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *endpoint.Inbound) {
			if !limiter.Allow() {
				in.ReplyError(CodeRateLimited, "rate limit exceeded")
				return
			}
			next(ctx, in)
		}
	}
}
