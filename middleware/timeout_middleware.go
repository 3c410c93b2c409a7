package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-ipc/message"
)

// TimeoutMiddleware replies EXCEPTION once timeout passes. The handler's context is
// cancelled but the call keeps running; its late reply is dropped.
func TimeoutMiddleware(timeout time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)

			done := make(chan *message.Envelope, 1)
			go func() {
				defer cancel()
				done <- next(ctx, req)
			}()

			select {
			case rep := <-done:
				return rep
			case <-ctx.Done():
				logger.Warn("call timed out", zap.Stringer("call", CallInfoFrom(ctx)), zap.Duration("timeout", timeout))
				return req.Fail(message.StatusException, "request timed out")
			}
		}
	}
}
