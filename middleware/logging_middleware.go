package middleware

import (
	"context"
	"time"

	"github.com/jpillora/sizestr"
	"go.uber.org/zap"

	"mini-ipc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.L()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			rep := next(ctx, req)
			fields := []zap.Field{
				zap.Uint64("object_id", uint64(req.ObjectID)),
				zap.String("function", CallInfoFrom(ctx).String()),
				zap.Stringer("status", rep.Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("in", sizestr.ToString(int64(len(req.Body)))),
				zap.String("out", sizestr.ToString(int64(len(rep.Body)))),
			}
			if rep.Status != message.StatusOK {
				logger.Info("call failed", append(fields, zap.String("error", rep.Property(message.PropError)))...)
				return rep
			}
			logger.Debug("call", fields...)
			return rep
		}
	}
}
