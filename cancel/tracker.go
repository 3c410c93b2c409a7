// Package cancel implements cooperative cancellation of the call a server is running.
//
// The server records the command id of the call it dispatches; a client-originated
// cancel carries the id the client believes is running. The cancel only lands when both
// ids match, so a stale interrupt racing a new call is ignored. Handlers observe the
// request by polling MustCancel or by watching their context.
//
// The tracker follows one running command at a time. With concurrent workers the most
// recently started command owns the slot; a displaced command can no longer be
// cancelled by id, but its context stays live until its own call ends.
package cancel

import (
	"context"
	"sync"
	"sync/atomic"
)

// State of the tracked command.
type State int

const (
	Idle State = iota
	Running
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// cancelled marks the running slot once a cancel matched.
const cancelled = ^uint64(0)

// Tracker is the running-command counter.
type Tracker struct {
	running atomic.Uint64 // 0 = idle, cancelled = cancel requested, else command id
	checked atomic.Bool   // the handler polled MustCancel

	mu     sync.Mutex
	owner  uint64 // command id passed to Begin, kept while cancelled
	cancel context.CancelFunc
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin records id as the running command and returns a context that is cancelled when
// a matching cancel arrives. The context carries the tracker and id for MustCancel(ctx).
// A command displaced by a later Begin keeps its context; the caller releases it with
// the returned CancelFunc once the call is over.
func (t *Tracker) Begin(parent context.Context, id uint64) (context.Context, context.CancelFunc) {
	ctx, cancelFn := context.WithCancel(context.WithValue(parent, trackerKey{}, binding{t, id}))

	t.mu.Lock()
	t.owner = id
	t.cancel = cancelFn
	t.checked.Store(false)
	t.running.Store(id)
	t.mu.Unlock()
	return ctx, cancelFn
}

// End clears the running command if it is still id. It reports whether the handler
// polled for cancellation and whether the command had been cancelled.
func (t *Tracker) End(id uint64) (checked, wasCancelled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != id {
		return false, false
	}
	checked = t.checked.Load()
	wasCancelled = t.running.Load() == cancelled
	t.running.Store(0)
	t.checked.Store(false)
	t.owner = 0
	t.cancel = nil
	return checked, wasCancelled
}

// RequestCancel cancels the running command if its id is id. It reports whether a
// command was cancelled.
func (t *Tracker) RequestCancel(id uint64) bool {
	if id == 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running.CompareAndSwap(id, cancelled) {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

// CancelAll cancels whatever is running, used on shutdown.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running.Store(cancelled)
	if t.cancel != nil {
		t.cancel()
	}
}

// MustCancel reports whether the running command has been asked to stop. Long-running
// handlers poll it and return early.
func (t *Tracker) MustCancel() bool {
	t.checked.Store(true)
	return t.running.Load() == cancelled
}

// mustCancel is MustCancel for command id: false once id no longer owns the slot.
func (t *Tracker) mustCancel(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != id {
		return false
	}
	t.checked.Store(true)
	return t.running.Load() == cancelled
}

// Running returns the id of the running command, 0 when idle.
func (t *Tracker) Running() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running.Load() == 0 {
		return 0
	}
	return t.owner
}

func (t *Tracker) State() State {
	switch t.running.Load() {
	case 0:
		return Idle
	case cancelled:
		return Cancelled
	}
	return Running
}

type trackerKey struct{}

// binding ties a context to a tracker and, inside a call, to its command id.
type binding struct {
	t  *Tracker
	id uint64
}

// NewContext returns ctx carrying t.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, binding{t: t})
}

// FromContext returns the tracker carried by ctx, or nil.
func FromContext(ctx context.Context) *Tracker {
	b, _ := ctx.Value(trackerKey{}).(binding)
	return b.t
}

// MustCancel polls the tracker carried by ctx. Inside a call started with Begin only a
// cancel of that call counts, plus the context's own cancellation. Without a tracker it
// falls back to the context alone.
func MustCancel(ctx context.Context) bool {
	b, ok := ctx.Value(trackerKey{}).(binding)
	switch {
	case !ok || b.t == nil:
		return ctx.Err() != nil
	case b.id == 0:
		return b.t.MustCancel()
	}
	return b.t.mustCancel(b.id) || ctx.Err() != nil
}
