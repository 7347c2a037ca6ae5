package middleware

import (
	"context"
	"log/slog"
	"time"

	"duplex-rpc/endpoint"
	"duplex-rpc/internal/logging"
)

func LoggingMiddleware(logger *slog.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in *endpoint.Inbound) {
			start := time.Now()
			next(ctx, in)
			logger.Info("request handled",
				"identifier", in.ConnectionID,
				"id", in.ID,
				"method", in.Method,
				"duration", time.Since(start),
				"replied", in.Replied(),
			)
		}
	}
}
