// Package tasks provides the per-zone and per-instance single-threaded
// FIFO task queues the rest of this module posts work to (spec section 5:
// "the host name-server provides per-zone tasks ... and an instance
// task"). It is a small cooperative scheduler, not a goroutine-per-task
// pool: each Queue drains its own work serially on one worker goroutine,
// giving "all mutations to a single zone are totally ordered" for free.
package tasks

import (
	"context"
	"sync"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/metrics"
)

// Queue is one single-threaded FIFO task queue.
type Queue struct {
	mu      sync.Mutex
	work    chan func(context.Context)
	done    chan struct{}
	once    sync.Once
	exclMu  sync.Mutex
	pending int
	drainCh chan struct{}

	name    string
	metrics *metrics.Metrics
}

// New starts a queue with the given backlog capacity and no metrics
// wiring (used directly by tests; Registry-created queues go through
// newQueue instead, carrying the name QueueDepth reports them under).
func New(backlog int) *Queue {
	return newQueue(backlog, "", nil)
}

func newQueue(backlog int, name string, m *metrics.Metrics) *Queue {
	q := &Queue{work: make(chan func(context.Context), backlog), done: make(chan struct{}), name: name, metrics: m}
	go q.run()
	return q
}

// setDepth reports the current pending count to QueueDepth. Callers
// must hold q.mu.
func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.pending))
	}
}

func (q *Queue) run() {
	for {
		select {
		case fn, ok := <-q.work:
			if !ok {
				return
			}
			fn(context.Background())
			q.mu.Lock()
			q.pending--
			q.setDepth()
			if q.pending == 0 && q.drainCh != nil {
				close(q.drainCh)
				q.drainCh = nil
			}
			q.mu.Unlock()
		case <-q.done:
			return
		}
	}
}

// Post enqueues fn to run on this queue's worker, returning
// direrr.ErrShutdown if the queue has been stopped.
func (q *Queue) Post(fn func(context.Context)) error {
	q.mu.Lock()
	select {
	case <-q.done:
		q.mu.Unlock()
		return direrr.ErrShutdown
	default:
	}
	q.pending++
	q.setDepth()
	q.mu.Unlock()

	select {
	case q.work <- fn:
		return nil
	case <-q.done:
		q.mu.Lock()
		q.pending--
		q.setDepth()
		q.mu.Unlock()
		return direrr.ErrShutdown
	}
}

// Exclusive runs fn on the caller's goroutine while holding this queue's
// exclusive-mode lock, serializing against other exclusive-mode work on
// the same queue (spec 4.I step 2: "enter exclusive mode on T"). It does
// not go through the FIFO worker, matching the "used to mutate shared
// zone-manager state" suspension point rather than ordinary posted work.
func (q *Queue) Exclusive(fn func() error) error {
	q.exclMu.Lock()
	defer q.exclMu.Unlock()
	return fn()
}

// Drain blocks until every task posted so far has completed, or ctx is
// done. Used by the sync barrier to wait out Init-phase work.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.drainCh = ch
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the worker to exit after finishing any in-flight task; it
// does not wait for queued-but-not-started work to run.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
}

// Registry hands out one Queue per zone origin plus a shared instance
// queue, mirroring "the per-zone task (found in the zone register; if the
// zone is not yet registered, fall back to the instance task)".
type Registry struct {
	mu       sync.Mutex
	backlog  int
	metrics  *metrics.Metrics
	zones    map[string]*Queue
	instance *Queue
}

// NewRegistry creates a registry whose queues report their pending
// depth through m's QueueDepth gauge, labeled by zone origin (or
// "instance" for the shared instance queue). m may be nil.
func NewRegistry(backlog int, m *metrics.Metrics) *Registry {
	return &Registry{backlog: backlog, metrics: m, zones: make(map[string]*Queue), instance: newQueue(backlog, "instance", m)}
}

// Instance returns the single shared instance-wide task queue.
func (r *Registry) Instance() *Queue { return r.instance }

// ZoneQueue returns the queue for origin, creating it on first use.
func (r *Registry) ZoneQueue(origin string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.zones[origin]
	if !ok {
		q = newQueue(r.backlog, origin, r.metrics)
		r.zones[origin] = q
	}
	return q
}

// DropZoneQueue stops and removes origin's queue (zone deletion).
func (r *Registry) DropZoneQueue(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.zones[origin]; ok {
		q.Stop()
		delete(r.zones, origin)
	}
}

// StopAll stops every zone queue and the instance queue, used on
// shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.zones {
		q.Stop()
	}
	r.instance.Stop()
}
