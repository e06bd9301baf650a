package middleware

import (
	"context"

	"github.com/jjqq2013/maas/message"
	"golang.org/x/time/rate"
)

// ErrTextRateLimited is the error text of a command rejected by RateLimitMiddleware.
const ErrTextRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects commands beyond a token-bucket budget of r per
// second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.Failed(req.Command, ErrTextRateLimited)
			}
			return next(ctx, req)
		}
	}
}
