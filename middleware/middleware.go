// Package middleware wraps the server's call handler.
//
// Middlewares run around every dispatched call (not around CREATE/DESTROY or
// authentication failures) and see the request envelope and the reply envelope.
package middleware

import (
	"context"

	"mini-ipc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// CallInfo names the target of a call.
type CallInfo struct {
	TypeName string
	Function string
}

func (i CallInfo) String() string {
	if i.TypeName == "" {
		return i.Function
	}
	return i.TypeName + "." + i.Function
}

type callInfoKey struct{}

// WithCallInfo attaches info to ctx; the server does this before running the chain.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the call info attached to ctx.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}
