package middleware

import (
	"context"
	"time"

	"github.com/jjqq2013/maas/message"
	"go.uber.org/zap"
)

// LoggingMiddleware logs every command with its duration. Failed commands
// are logged at warn level with the error text.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("command", req.Command),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("command failed", append(fields, zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("command handled", fields...)
			return resp
		}
	}
}
