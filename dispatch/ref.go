package dispatch

import (
	"encoding/json"
	"fmt"

	"mini-ipc/message"
)

type binder interface {
	bind(objects Objects) error
}

type registrar interface {
	register(objects Objects) any
}

// Ref passes an exported object across the boundary. On the wire it is just the object
// id. On the server a Ref argument is resolved to the live object before the method
// runs, and a returned Ref is registered (or its existing id reused) before the reply
// is encoded.
type Ref[T any] struct {
	ID message.ObjectID

	obj   T
	table *Table
	live  bool
}

// NewRef wraps a server-side object for returning to the caller.
func NewRef[T any](table *Table, obj T) Ref[T] {
	return Ref[T]{obj: obj, table: table, live: true}
}

// RefTo refers to a remote object by id, as a client passes it.
func RefTo[T any](id message.ObjectID) Ref[T] {
	return Ref[T]{ID: id}
}

// Get returns the object behind the reference. It is only set on the server side.
func (r Ref[T]) Get() (T, bool) {
	return r.obj, r.live
}

func (r Ref[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(r.ID))
}

func (r *Ref[T]) UnmarshalJSON(data []byte) error {
	var id uint64
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	r.ID = message.ObjectID(id)
	return nil
}

func (r *Ref[T]) bind(objects Objects) error {
	if r.ID == message.NoObject {
		return nil // null reference
	}
	if objects == nil {
		return fmt.Errorf("object %d: no registry", r.ID)
	}
	obj, ok := objects.Lookup(r.ID)
	if !ok {
		return fmt.Errorf("object %d does not exist", r.ID)
	}
	v, ok := obj.(T)
	if !ok {
		return fmt.Errorf("object %d is %T, not %T", r.ID, obj, r.obj)
	}
	r.obj, r.live = v, true
	return nil
}

func (r Ref[T]) register(objects Objects) any {
	if r.live && r.ID == message.NoObject && objects != nil {
		r.ID = objects.Insert(r.obj, r.table)
	}
	return r
}
