// Package counter is a small exported interface used to exercise the runtime end to
// end: a server-side implementation, its dispatch table and a typed client proxy.
package counter

import (
	"context"
	"errors"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"mini-ipc/cancel"
	"mini-ipc/dispatch"
)

// TypeName is the name clients construct counters by.
const TypeName = "counter"

// ErrInterrupted is returned by Spin when the caller cancelled it.
var ErrInterrupted = errors.New("interrupted")

// Counter is the server-side object.
type Counter struct {
	mu    sync.Mutex
	value int64
	label string
}

func New() *Counter {
	return &Counter{}
}

func (c *Counter) Increment(ctx context.Context) (int64, error) {
	return c.Add(ctx, 1)
}

func (c *Counter) Add(_ context.Context, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value += n
	return c.value, nil
}

func (c *Counter) Value(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

// Divide divides the value by d in place.
func (c *Counter) Divide(_ context.Context, d int64) (int64, error) {
	if d == 0 {
		return 0, errors.New("divide by zero")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value /= d
	return c.value, nil
}

// Echo returns s unchanged.
func (c *Counter) Echo(_ context.Context, s string) (string, error) {
	return s, nil
}

// Merge adds the value of other into c.
func (c *Counter) Merge(ctx context.Context, other dispatch.Ref[*Counter]) (int64, error) {
	o, ok := other.Get()
	if !ok {
		return 0, errors.New("nil counter")
	}
	v, _ := o.Value(ctx)
	return c.Add(ctx, v)
}

// Fork returns a new counter starting at c's value.
func (c *Counter) Fork(ctx context.Context) (dispatch.Ref[*Counter], error) {
	v, _ := c.Value(ctx)
	return dispatch.NewRef(Table, &Counter{value: v}), nil
}

// Self returns a reference to c itself.
func (c *Counter) Self(context.Context) (dispatch.Ref[*Counter], error) {
	return dispatch.NewRef(Table, c), nil
}

// Spin busy-waits for up to d, polling for cancellation. It reports whether it ran to
// completion.
func (c *Counter) Spin(ctx context.Context, d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cancel.MustCancel(ctx) {
			return false, ErrInterrupted
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true, nil
}

// Sleep blocks for d without polling for cancellation.
func (c *Counter) Sleep(_ context.Context, d time.Duration) (dispatch.Void, error) {
	time.Sleep(d)
	return dispatch.Void{}, nil
}

// Crash panics.
func (c *Counter) Crash(context.Context) (dispatch.Void, error) {
	panic("counter crashed")
}

// SetLabel stores a label, returning the previous one.
func (c *Counter) SetLabel(_ context.Context, label *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.label
	c.label = label.GetValue()
	return wrapperspb.String(prev), nil
}
