package syncbarrier

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWaiter struct {
	drained atomic.Bool
	delay   time.Duration
}

func (w *fakeWaiter) Drain(ctx context.Context) error {
	time.Sleep(w.delay)
	w.drained.Store(true)
	return nil
}

func TestRefreshDoneDrainsAndFinishes(t *testing.T) {
	b := New()
	w1 := &fakeWaiter{delay: 5 * time.Millisecond}
	w2 := &fakeWaiter{delay: 10 * time.Millisecond}
	b.Register(w1)
	b.Register(w2)

	var finished atomic.Bool
	b.OnFinish(func() { finished.Store(true) })

	if err := b.RefreshDone(context.Background()); err != nil {
		t.Fatalf("RefreshDone: %v", err)
	}
	if !w1.drained.Load() || !w2.drained.Load() {
		t.Fatalf("expected both waiters drained before finish")
	}
	if !finished.Load() {
		t.Fatalf("expected OnFinish callback to run")
	}
	if b.State() != StateFinished {
		t.Fatalf("expected Finished state")
	}
}

func TestRegisterAfterFinishIsNoop(t *testing.T) {
	b := New()
	if err := b.RefreshDone(context.Background()); err != nil {
		t.Fatalf("RefreshDone: %v", err)
	}

	w := &fakeWaiter{}
	b.Register(w)
	// Registering post-Finished must not block a later Reset/RefreshDone
	// cycle nor retroactively get drained.
	b.Reset()
	if b.State() != StateInit {
		t.Fatalf("expected Init state after Reset")
	}
}

func TestOnFinishAfterAlreadyFinishedRunsImmediately(t *testing.T) {
	b := New()
	_ = b.RefreshDone(context.Background())

	var ran atomic.Bool
	b.OnFinish(func() { ran.Store(true) })
	if !ran.Load() {
		t.Fatalf("expected immediate callback invocation once already Finished")
	}
}

func TestIsFinished(t *testing.T) {
	b := New()
	if b.IsFinished() {
		t.Fatalf("expected not finished initially")
	}
	_ = b.RefreshDone(context.Background())
	if !b.IsFinished() {
		t.Fatalf("expected finished after RefreshDone")
	}
}
