// Package dispatch maps function ids to the methods of one exported interface.
//
// A Table is built once per interface, usually in a package-level var, by registering
// each method with Func0..Func3. Ids are assigned sequentially from
// message.FirstUserFunction in registration order; 0 and 1 stay reserved for object
// construction and destruction. Client and server build the same table from the same
// declarations, so the ids agree without any negotiation.
package dispatch

import (
	"context"
	"fmt"
	"reflect"

	"mini-ipc/codec"
	"mini-ipc/message"
)

// Objects is the view of the object registry a call needs for object references.
type Objects interface {
	Lookup(id message.ObjectID) (any, bool)
	// Insert registers obj under table, returning the existing id if it is already live.
	Insert(obj any, table *Table) message.ObjectID
}

// Call carries one invocation through an entry.
type Call struct {
	Object  any
	Args    *codec.ArgReader
	Objects Objects
}

type invoker func(ctx context.Context, c *Call) (any, error)

// Entry is one exported method.
type Entry struct {
	ID     message.FunctionID
	Name   string
	Schema []string // argument type names, in order
	Result string

	invoke invoker
}

// Invoke decodes body, runs the method on obj and encodes its result.
func (e *Entry) Invoke(ctx context.Context, obj any, body []byte, vc codec.ValueCodec, objects Objects) ([]byte, error) {
	c := &Call{Object: obj, Args: codec.NewArgReader(vc, body), Objects: objects}
	res, err := e.invoke(ctx, c)
	if err != nil {
		return nil, err
	}
	if r, ok := res.(registrar); ok {
		res = r.register(objects)
	}
	return codec.Pack(c.Args.Codec(), res)
}

// Table is the dispatch table of one exported interface. It is immutable once the
// registering package finished initialization.
type Table struct {
	typeName string
	entries  []*Entry
	byName   map[string]*Entry
}

func NewTable(typeName string) *Table {
	return &Table{typeName: typeName, byName: make(map[string]*Entry)}
}

// TypeName is the name remote construction refers to.
func (t *Table) TypeName() string {
	return t.typeName
}

// Lookup returns the entry registered under id.
func (t *Table) Lookup(id message.FunctionID) (*Entry, bool) {
	if id < message.FirstUserFunction {
		return nil, false
	}
	i := int(id - message.FirstUserFunction)
	if i >= len(t.entries) {
		return nil, false
	}
	return t.entries[i], true
}

// ID returns the function id of the method called name.
func (t *Table) ID(name string) (message.FunctionID, bool) {
	e, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return e.ID, true
}

// Entries returns the entries in id order.
func (t *Table) Entries() []*Entry {
	return append([]*Entry(nil), t.entries...)
}

func (t *Table) add(name string, schema []string, result string, fn invoker) message.FunctionID {
	if _, dup := t.byName[name]; dup {
		panic(fmt.Sprintf("dispatch: %s.%s registered twice", t.typeName, name))
	}
	e := &Entry{
		ID:     message.FirstUserFunction + message.FunctionID(len(t.entries)),
		Name:   name,
		Schema: schema,
		Result: result,
		invoke: fn,
	}
	t.entries = append(t.entries, e)
	t.byName[name] = e
	return e.ID
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}
