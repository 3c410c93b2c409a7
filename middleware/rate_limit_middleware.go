package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"mini-ipc/message"
)

// RateLimitMiddleware 基于令牌桶限流，每种导出类型一个桶：每秒 r 个调用，容量 burst
func RateLimitMiddleware(r float64, burst int) Middleware {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	bucket := func(typeName string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := buckets[typeName]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			buckets[typeName] = l
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !bucket(CallInfoFrom(ctx).TypeName).Allow() {
				return req.Fail(message.StatusException, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
