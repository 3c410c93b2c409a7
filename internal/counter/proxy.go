package counter

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"mini-ipc/client"
	"mini-ipc/dispatch"
	"mini-ipc/proxy"
)

// Proxy is the client-side handle of a remote Counter.
type Proxy struct {
	*proxy.Object
}

// NewProxy constructs a counter on the server c is connected to.
func NewProxy(ctx context.Context, c *client.Client) (*Proxy, error) {
	o, err := proxy.New(ctx, c, Table)
	if err != nil {
		return nil, err
	}
	return &Proxy{o}, nil
}

func adopt(c *client.Client, ref dispatch.Ref[*Counter]) *Proxy {
	return &Proxy{proxy.AdoptRef(c, Table, ref)}
}

func (p *Proxy) Increment(ctx context.Context) (int64, error) {
	return proxy.Call0[int64](ctx, p.Object, FnIncrement)
}

func (p *Proxy) Add(ctx context.Context, n int64) (int64, error) {
	return proxy.Call1[int64](ctx, p.Object, FnAdd, n)
}

func (p *Proxy) Value(ctx context.Context) (int64, error) {
	return proxy.Call0[int64](ctx, p.Object, FnValue)
}

func (p *Proxy) Divide(ctx context.Context, d int64) (int64, error) {
	return proxy.Call1[int64](ctx, p.Object, FnDivide, d)
}

func (p *Proxy) Echo(ctx context.Context, s string) (string, error) {
	return proxy.Call1[string](ctx, p.Object, FnEcho, s)
}

func (p *Proxy) Merge(ctx context.Context, other *Proxy) (int64, error) {
	return proxy.Call1[int64](ctx, p.Object, FnMerge, proxy.RefOf[*Counter](other.Object))
}

func (p *Proxy) Fork(ctx context.Context) (*Proxy, error) {
	ref, err := proxy.Call0[dispatch.Ref[*Counter]](ctx, p.Object, FnFork)
	if err != nil {
		return nil, err
	}
	return adopt(p.Client(), ref), nil
}

func (p *Proxy) Self(ctx context.Context) (*Proxy, error) {
	ref, err := proxy.Call0[dispatch.Ref[*Counter]](ctx, p.Object, FnSelf)
	if err != nil {
		return nil, err
	}
	return adopt(p.Client(), ref), nil
}

func (p *Proxy) Spin(ctx context.Context, d time.Duration) (bool, error) {
	return proxy.Call1[bool](ctx, p.Object, FnSpin, d)
}

func (p *Proxy) Sleep(ctx context.Context, d time.Duration) error {
	_, err := proxy.Call1[dispatch.Void](ctx, p.Object, FnSleep, d)
	return err
}

func (p *Proxy) Crash(ctx context.Context) error {
	_, err := proxy.Call0[dispatch.Void](ctx, p.Object, FnCrash)
	return err
}

func (p *Proxy) SetLabel(ctx context.Context, label string) (string, error) {
	prev, err := proxy.Call1[*wrapperspb.StringValue](ctx, p.Object, FnSetLabel, wrapperspb.String(label))
	if err != nil {
		return "", err
	}
	return prev.GetValue(), nil
}
