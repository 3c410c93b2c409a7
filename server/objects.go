package server

import (
	"reflect"
	"sync"

	"mini-ipc/dispatch"
	"mini-ipc/message"
)

type objectEntry struct {
	id    message.ObjectID
	obj   any
	table *dispatch.Table
}

// objectRegistry owns every live exported object. Ids start at 1, only grow, and are
// never reused within the process.
type objectRegistry struct {
	mu      sync.RWMutex
	next    message.ObjectID
	objects map[message.ObjectID]*objectEntry
	reverse map[any]message.ObjectID // pointer objects only
}

func newObjectRegistry() *objectRegistry {
	return &objectRegistry{
		next:    1,
		objects: make(map[message.ObjectID]*objectEntry),
		reverse: make(map[any]message.ObjectID),
	}
}

// identity reports whether obj has a stable identity to dedupe on. Values that merely
// compare equal are distinct objects.
func identity(obj any) bool {
	return obj != nil && reflect.TypeOf(obj).Kind() == reflect.Pointer
}

func (r *objectRegistry) get(id message.ObjectID) (*objectEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.objects[id]
	return e, ok
}

// Lookup implements dispatch.Objects.
func (r *objectRegistry) Lookup(id message.ObjectID) (any, bool) {
	e, ok := r.get(id)
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// Insert implements dispatch.Objects. A pointer that is already registered keeps its id.
func (r *objectRegistry) Insert(obj any, table *dispatch.Table) message.ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if identity(obj) {
		if id, ok := r.reverse[obj]; ok {
			return id
		}
	}
	return r.addLocked(obj, table)
}

// add registers obj under a fresh id, even if it is already registered.
func (r *objectRegistry) add(obj any, table *dispatch.Table) message.ObjectID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(obj, table)
}

func (r *objectRegistry) addLocked(obj any, table *dispatch.Table) message.ObjectID {
	id := r.next
	r.next++
	r.objects[id] = &objectEntry{id: id, obj: obj, table: table}
	if identity(obj) {
		if _, ok := r.reverse[obj]; !ok {
			r.reverse[obj] = id
		}
	}
	return id
}

func (r *objectRegistry) remove(id message.ObjectID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *objectRegistry) removeLocked(id message.ObjectID) bool {
	e, ok := r.objects[id]
	if !ok {
		return false
	}
	delete(r.objects, id)
	if identity(e.obj) && r.reverse[e.obj] == id {
		delete(r.reverse, e.obj)
	}
	return true
}

// deleteUnused removes the objects named by ids, or, with activeList set, every object
// not named by ids. It returns how many objects were removed.
func (r *objectRegistry) deleteUnused(ids []message.ObjectID, activeList bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !activeList {
		n := 0
		for _, id := range ids {
			if r.removeLocked(id) {
				n++
			}
		}
		return n
	}
	keep := make(map[message.ObjectID]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	n := 0
	for id := range r.objects {
		if !keep[id] && r.removeLocked(id) {
			n++
		}
	}
	return n
}

func (r *objectRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

func (r *objectRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[message.ObjectID]*objectEntry)
	r.reverse = make(map[any]message.ObjectID)
}
