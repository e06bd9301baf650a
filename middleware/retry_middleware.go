package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/jjqq2013/maas/message"
	"go.uber.org/zap"
)

var retryableErrors = []string{
	ErrTextTimeout,
	"connection refused",
	"connection reset",
	"broken pipe",
	"use of closed network connection",
	"connection closed",
	"EOF",
}

// Retryable reports whether a failed response looks like a transport fault
// rather than an answer from the remote handler.
func Retryable(resp *message.Message) bool {
	if resp.Error == "" {
		return false
	}
	for _, s := range retryableErrors {
		if strings.Contains(resp.Error, s) {
			return true
		}
	}
	return false
}

// RetryMiddleware re-issues a call that failed with a transport fault, with
// exponential backoff starting at baseDelay. It gives up early when ctx is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && Retryable(resp); i++ {
				logger.Debug("retrying command",
					zap.String("command", req.Command),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
