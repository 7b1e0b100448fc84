package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ldapdns/zonesync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func TestPostRunsInOrder(t *testing.T) {
	q := New(16)
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		if err := q.Post(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of FIFO order: %v", order)
		}
	}
}

func TestDrainWaitsForPendingWork(t *testing.T) {
	q := New(16)
	defer q.Stop()

	var done atomic.Bool
	_ = q.Post(func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !done.Load() {
		t.Fatalf("Drain returned before posted work completed")
	}
}

func TestPostAfterStopFails(t *testing.T) {
	q := New(16)
	q.Stop()
	if err := q.Post(func(ctx context.Context) {}); err == nil {
		t.Fatalf("expected Post after Stop to fail")
	}
}

func TestExclusiveSerializes(t *testing.T) {
	q := New(16)
	defer q.Stop()

	var active atomic.Int32
	var sawOverlap atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Exclusive(func() error {
				if active.Add(1) > 1 {
					sawOverlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if sawOverlap.Load() {
		t.Fatalf("exclusive-mode calls overlapped")
	}
}

// queueDepth returns the current zonesync_queue_depth value for the given
// queue label, or -1 if no sample has been recorded for it yet.
func queueDepth(t *testing.T, reg *prometheus.Registry, queue string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "zonesync_queue_depth" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "queue" && l.GetValue() == queue {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return -1
}

func TestRegistryWiresQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewRegistry(8, m)
	defer r.StopAll()

	q := r.ZoneQueue("a.example.")

	release := make(chan struct{})
	if err := q.Post(func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("Post: %v", err)
	}

	// Post a second task while the first is still running so the gauge
	// reads 2 before anything drains.
	var wg sync.WaitGroup
	wg.Add(1)
	if err := q.Post(func(ctx context.Context) { wg.Done() }); err != nil {
		t.Fatalf("Post: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if queueDepth(t, reg, "a.example.") == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := queueDepth(t, reg, "a.example."); got != 2 {
		t.Fatalf("queue depth before drain: got %v, want 2", got)
	}

	close(release)
	wg.Wait()

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if queueDepth(t, reg, "a.example.") == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := queueDepth(t, reg, "a.example."); got != 0 {
		t.Fatalf("queue depth after drain: got %v, want 0", got)
	}
}

func TestRegistryZoneQueuePerOrigin(t *testing.T) {
	r := NewRegistry(8, nil)
	defer r.StopAll()

	a := r.ZoneQueue("a.example.")
	b := r.ZoneQueue("b.example.")
	if a == b {
		t.Fatalf("expected distinct queues per origin")
	}
	if r.ZoneQueue("a.example.") != a {
		t.Fatalf("expected the same queue on repeat lookup")
	}
	if r.Instance() == nil {
		t.Fatalf("expected a non-nil instance queue")
	}
}
