// Package syncbarrier implements the Sync Barrier (spec component L): the
// Init/Finished gate that holds zone publication until the initial
// directory refresh and every task it spawned have drained.
package syncbarrier

import (
	"context"
	"log"
	"sync"
)

// State is the barrier's lifecycle position.
type State int

const (
	StateInit State = iota
	StateFinished
)

// Waiter is anything the barrier needs to drain before flipping to
// Finished — satisfied by tasks.Queue's Drain method, kept as an
// interface here to avoid a dependency on the tasks package.
type Waiter interface {
	Drain(ctx context.Context) error
}

// Barrier tracks sync state and the set of tasks registered during Init.
type Barrier struct {
	mu       sync.Mutex
	state    State
	waiters  map[Waiter]struct{}
	onFinish []func()
	tainted  bool
}

// New creates a barrier in Init state.
func New() *Barrier {
	return &Barrier{state: StateInit, waiters: make(map[Waiter]struct{})}
}

// State returns the current barrier state.
func (b *Barrier) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Register records w (typically a zone's or the instance's task queue) so
// a later RefreshDone call waits for it. Registering after the barrier
// has already flipped to Finished is a silent no-op, since "subsequent
// live changes are not barriered".
func (b *Barrier) Register(w Waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateFinished {
		return
	}
	b.waiters[w] = struct{}{}
}

// OnFinish registers a callback invoked exactly once when the barrier
// flips to Finished, after every registered waiter has drained — this is
// where the instance publishes and loads all pending zones.
func (b *Barrier) OnFinish(fn func()) {
	b.mu.Lock()
	alreadyFinished := b.state == StateFinished
	if !alreadyFinished {
		b.onFinish = append(b.onFinish, fn)
	}
	b.mu.Unlock()

	if alreadyFinished {
		fn()
	}
}

// RefreshDone is called when the persistent-refresh "refresh-done"
// intermediate arrives: it waits for every Init-phase waiter to drain,
// flips the barrier to Finished, then runs the finish callbacks.
func (b *Barrier) RefreshDone(ctx context.Context) error {
	b.mu.Lock()
	waiters := make([]Waiter, 0, len(b.waiters))
	for w := range b.waiters {
		waiters = append(waiters, w)
	}
	b.mu.Unlock()

	for _, w := range waiters {
		if err := w.Drain(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.state = StateFinished
	callbacks := b.onFinish
	b.onFinish = nil
	b.waiters = nil
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// Reset returns the barrier to Init, used at the start of a fresh
// consumer lifecycle (spec 4.G step 1: "reset sync state to Init"). A
// fresh lifecycle is the result of the reload an operator runs in
// response to Taint's log line, so Reset also clears any prior taint.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateInit
	b.waiters = make(map[Waiter]struct{})
	b.onFinish = nil
	b.tainted = false
}

// Taint marks the instance tainted and logs the operator-visible
// reload instruction spec section 7's general policy requires: handler
// or poll-loop errors that suggest database divergence leave the
// instance in a state this process cannot self-correct, so an operator
// restart (which calls Reset) is the prescribed remedy. The flag lives
// only in memory — a process restart clears it on its own, same as a
// genuine reload would. Safe to call repeatedly; only the first call
// after a clean state logs.
func (b *Barrier) Taint(reason string) {
	b.mu.Lock()
	alreadyTainted := b.tainted
	b.tainted = true
	b.mu.Unlock()

	if !alreadyTainted {
		log.Printf("syncbarrier: instance tainted (%s); reload the instance to resynchronize", reason)
	}
}

// Tainted reports whether Taint has been called since the last Reset.
func (b *Barrier) Tainted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tainted
}

// IsFinished is a convenience check used throughout the diff-analysis and
// projection logic ("sync state is Finished").
func (b *Barrier) IsFinished() bool {
	return b.State() == StateFinished
}
