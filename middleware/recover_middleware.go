package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"duplex-rpc/endpoint"
	"duplex-rpc/internal/logging"
	"duplex-rpc/message"
)

// RecoverMiddleware turns a panicking handler into an internal-error reply.
func RecoverMiddleware(logger *slog.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *endpoint.Inbound) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", "method", in.Method, "id", in.ID, "panic", r)
					in.ReplyError(message.CodeInternalError, fmt.Sprintf("internal error: %v", r))
				}
			}()
			next(ctx, in)
		}
	}
}
