package cancel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	if tr.State() != Idle {
		t.Fatalf("expect idle, got %v", tr.State())
	}

	ctx, release := tr.Begin(context.Background(), 7)
	defer release()
	if tr.State() != Running || tr.Running() != 7 {
		t.Fatalf("expect running 7, got %v %d", tr.State(), tr.Running())
	}
	if MustCancel(ctx) {
		t.Fatal("no cancel requested yet")
	}

	if tr.RequestCancel(6) {
		t.Fatal("stale id must not cancel the running command")
	}
	if !tr.RequestCancel(7) {
		t.Fatal("matching id should cancel")
	}
	if !MustCancel(ctx) || tr.State() != Cancelled {
		t.Fatal("expect cancelled")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("handler context should be cancelled")
	}

	checked, wasCancelled := tr.End(7)
	if !checked || !wasCancelled {
		t.Fatalf("expect checked and cancelled, got %v %v", checked, wasCancelled)
	}
	if tr.State() != Idle || tr.Running() != 0 {
		t.Fatal("expect idle after End")
	}
}

func TestTrackerCompletedWithoutPoll(t *testing.T) {
	tr := NewTracker()
	_, release := tr.Begin(context.Background(), 1)
	defer release()
	checked, wasCancelled := tr.End(1)
	if checked || wasCancelled {
		t.Fatalf("expect neither checked nor cancelled, got %v %v", checked, wasCancelled)
	}
	if tr.RequestCancel(1) {
		t.Fatal("cancel after completion must be ignored")
	}
}

func TestTrackerOverlappingEnd(t *testing.T) {
	tr := NewTracker()
	first, release1 := tr.Begin(context.Background(), 1)
	defer release1()
	second, release2 := tr.Begin(context.Background(), 2)
	defer release2()

	// a newer call takes the slot without disturbing the older one
	if first.Err() != nil || MustCancel(first) {
		t.Fatal("displaced call must not be cancelled")
	}
	if tr.RequestCancel(1) {
		t.Fatal("displaced call can no longer be cancelled by id")
	}
	if !tr.RequestCancel(2) {
		t.Fatal("running call should cancel")
	}
	if MustCancel(first) || first.Err() != nil {
		t.Fatal("cancel of the newer call leaked into the older one")
	}
	if !MustCancel(second) || second.Err() == nil {
		t.Fatal("expect the newer call cancelled")
	}

	tr.End(1) // finishing the older call must not clear the newer one
	if tr.Running() != 2 {
		t.Fatalf("expect 2 still running, got %d", tr.Running())
	}
	tr.End(2)
	if tr.State() != Idle {
		t.Fatal("expect idle")
	}
}

func TestTrackerEndKeepsContext(t *testing.T) {
	tr := NewTracker()
	ctx, release := tr.Begin(context.Background(), 4)
	tr.End(4)
	if ctx.Err() != nil {
		t.Fatal("End must leave the context to its call")
	}
	release()
	if ctx.Err() == nil {
		t.Fatal("release should cancel the context")
	}
}

func TestCancelAll(t *testing.T) {
	tr := NewTracker()
	ctx, release := tr.Begin(context.Background(), 3)
	defer release()
	tr.CancelAll()
	if !tr.MustCancel() {
		t.Fatal("expect cancel after CancelAll")
	}
	if ctx.Err() == nil {
		t.Fatal("expect context cancelled")
	}
}

func TestMustCancelWithoutTracker(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	if MustCancel(ctx) {
		t.Fatal("live context should not cancel")
	}
	cancelFn()
	if !MustCancel(ctx) {
		t.Fatal("done context should cancel")
	}
}

func TestManualSource(t *testing.T) {
	var fired atomic.Int32
	var src Source = &ManualSource{}
	src.RaiseCancel() // no handler, nothing happens
	src.SetHandler(func() { fired.Add(1) })
	src.RaiseCancel()
	src.UnsetHandler()
	src.RaiseCancel()
	if fired.Load() != 1 {
		t.Fatalf("expect one call, got %d", fired.Load())
	}
}

func TestSignalSource(t *testing.T) {
	fired := make(chan struct{}, 1)
	src := NewSignalSource()
	src.SetHandler(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer src.UnsetHandler()

	src.RaiseCancel()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupt was not delivered to the handler")
	}
}
