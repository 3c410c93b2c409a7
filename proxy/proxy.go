// Package proxy binds a client-side handle to one remote object.
//
// An Object is created remotely by New (or adopted from an id the server returned)
// and calls the functions of its dispatch table through the typed Call helpers.
// Closing it destroys the remote object once the last handle on the same client is
// closed.
package proxy

import (
	"context"
	"sync"

	"mini-ipc/client"
	"mini-ipc/codec"
	"mini-ipc/dispatch"
	"mini-ipc/message"
)

// Object is a handle to a remote object. Its id never changes.
type Object struct {
	client    *client.Client
	table     *dispatch.Table
	id        message.ObjectID
	closeOnce sync.Once
}

// New constructs a remote object of the table's type.
func New(ctx context.Context, c *client.Client, table *dispatch.Table) (*Object, error) {
	id, err := c.CreateObject(ctx, table.TypeName())
	if err != nil {
		return nil, err
	}
	return &Object{client: c, table: table, id: id}, nil
}

// Adopt wraps an object id handed out by the server, e.g. from a returned reference.
func Adopt(c *client.Client, table *dispatch.Table, id message.ObjectID) *Object {
	c.Retain(id)
	return &Object{client: c, table: table, id: id}
}

// AdoptRef wraps a returned object reference.
func AdoptRef[T any](c *client.Client, table *dispatch.Table, ref dispatch.Ref[T]) *Object {
	return Adopt(c, table, ref.ID)
}

// RefOf refers to o when passing it as an argument.
func RefOf[T any](o *Object) dispatch.Ref[T] {
	return dispatch.RefTo[T](o.id)
}

func (o *Object) ID() message.ObjectID {
	return o.id
}

func (o *Object) Table() *dispatch.Table {
	return o.table
}

func (o *Object) Client() *client.Client {
	return o.client
}

// Close releases the handle. Only the first call has an effect.
func (o *Object) Close() error {
	o.closeOnce.Do(func() {
		o.client.DestroyObject(o.id)
	})
	return nil
}

func (o *Object) invoke(ctx context.Context, fn message.FunctionID, args ...any) ([]byte, error) {
	body, err := codec.Pack(o.client.ValueCodec(), args...)
	if err != nil {
		return nil, err
	}
	return o.client.Call(ctx, o.id, fn, body)
}

func call[R any](ctx context.Context, o *Object, fn message.FunctionID, args ...any) (R, error) {
	var zero R
	out, err := o.invoke(ctx, fn, args...)
	if err != nil {
		return zero, err
	}
	r, err := codec.Unpack[R](o.client.ValueCodec(), out)
	if err != nil {
		return zero, message.Errorf(message.StatusException, "decode result of function %d: %v", fn, err)
	}
	return r, nil
}

// Call0 calls fn without arguments.
func Call0[R any](ctx context.Context, o *Object, fn message.FunctionID) (R, error) {
	return call[R](ctx, o, fn)
}

// Call1 calls fn with one argument.
func Call1[R, A any](ctx context.Context, o *Object, fn message.FunctionID, a A) (R, error) {
	return call[R](ctx, o, fn, a)
}

// Call2 calls fn with two arguments.
func Call2[R, A, B any](ctx context.Context, o *Object, fn message.FunctionID, a A, b B) (R, error) {
	return call[R](ctx, o, fn, a, b)
}

// Call3 calls fn with three arguments.
func Call3[R, A, B, C any](ctx context.Context, o *Object, fn message.FunctionID, a A, b B, c C) (R, error) {
	return call[R](ctx, o, fn, a, b, c)
}
