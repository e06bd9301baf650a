package middleware

import (
	"context"
	"time"

	"github.com/jjqq2013/maas/message"
)

// ErrTextTimeout is the error text of a command cut off by TimeoutMiddleware.
const ErrTextTimeout = "request timed out"

// TimeoutMiddleware answers ErrTextTimeout once timeout elapses. The handler
// keeps running after that until it returns, so handlers must honour ctx;
// one that ignores it holds its connection's in-flight count open and delays
// Peer.Serve and Server.Stop.
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
				return message.Failed(req.Command, ErrTextTimeout)
			}
		}
	}
}
