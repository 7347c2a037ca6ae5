package middleware

import (
	"context"
	"time"

	"duplex-rpc/endpoint"
)

// TimeOutMiddleware answers with CodeTimedOut when next has not replied within timeout.
// next keeps running with a cancelled context; its late answer is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *endpoint.Inbound) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				next(ctx, in)
			}()

			select {
			case <-done:
			case <-ctx.Done():
				in.ReplyError(CodeTimedOut, "request timed out")
			}
		}
	}
}
