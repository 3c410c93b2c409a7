package dispatch

import (
	"context"
	"fmt"

	"mini-ipc/codec"
	"mini-ipc/message"
)

// Void is the result type of methods that return nothing.
type Void struct{}

func receiver[T any](c *Call) (T, error) {
	obj, ok := c.Object.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("object is %T, not %T", c.Object, zero)
	}
	return obj, nil
}

func arg[A any](c *Call) (A, error) {
	a, err := codec.Read[A](c.Args)
	if err != nil {
		return a, err
	}
	if b, ok := any(&a).(binder); ok {
		if err := b.bind(c.Objects); err != nil {
			return a, err
		}
	}
	return a, nil
}

func done(c *Call) error {
	if c.Args.Remaining() {
		return fmt.Errorf("too many arguments")
	}
	return nil
}

// Func0 registers a method without arguments. fn is usually a method expression such
// as (*Counter).Value.
func Func0[T, R any](t *Table, name string, fn func(T, context.Context) (R, error)) message.FunctionID {
	return t.add(name, nil, typeName[R](), func(ctx context.Context, c *Call) (any, error) {
		obj, err := receiver[T](c)
		if err != nil {
			return nil, err
		}
		if err := done(c); err != nil {
			return nil, err
		}
		return fn(obj, ctx)
	})
}

// Func1 registers a method with one argument.
func Func1[T, A, R any](t *Table, name string, fn func(T, context.Context, A) (R, error)) message.FunctionID {
	return t.add(name, []string{typeName[A]()}, typeName[R](), func(ctx context.Context, c *Call) (any, error) {
		obj, err := receiver[T](c)
		if err != nil {
			return nil, err
		}
		a, err := arg[A](c)
		if err != nil {
			return nil, err
		}
		if err := done(c); err != nil {
			return nil, err
		}
		return fn(obj, ctx, a)
	})
}

// Func2 registers a method with two arguments.
func Func2[T, A, B, R any](t *Table, name string, fn func(T, context.Context, A, B) (R, error)) message.FunctionID {
	schema := []string{typeName[A](), typeName[B]()}
	return t.add(name, schema, typeName[R](), func(ctx context.Context, c *Call) (any, error) {
		obj, err := receiver[T](c)
		if err != nil {
			return nil, err
		}
		a, err := arg[A](c)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](c)
		if err != nil {
			return nil, err
		}
		if err := done(c); err != nil {
			return nil, err
		}
		return fn(obj, ctx, a, b)
	})
}

// Func3 registers a method with three arguments.
func Func3[T, A, B, C, R any](t *Table, name string, fn func(T, context.Context, A, B, C) (R, error)) message.FunctionID {
	schema := []string{typeName[A](), typeName[B](), typeName[C]()}
	return t.add(name, schema, typeName[R](), func(ctx context.Context, c *Call) (any, error) {
		obj, err := receiver[T](c)
		if err != nil {
			return nil, err
		}
		a, err := arg[A](c)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](c)
		if err != nil {
			return nil, err
		}
		x, err := arg[C](c)
		if err != nil {
			return nil, err
		}
		if err := done(c); err != nil {
			return nil, err
		}
		return fn(obj, ctx, a, b, x)
	})
}
