package changestream

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
)

func newTestStore(t *testing.T) *directory.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := directory.Open(filepath.Join(dir, "directory.db"), filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("directory.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// collectingDispatch records every event it sees, safe for concurrent use
// by the poll loop goroutine and the test's assertions.
type collectingDispatch struct {
	mu     sync.Mutex
	events []directory.ChangeEvent
}

func (c *collectingDispatch) dispatch(ctx context.Context, ev directory.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectingDispatch) snapshot() []directory.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]directory.ChangeEvent(nil), c.events...)
}

func TestRunDispatchesExistingEntriesAndFinishesBarrier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := entry.New("idnsName=example.org.,cn=dns,dc=example", entry.ClassMasterZone, map[string][]string{
		"idnsSOAmName": {"ns"},
	})
	if err := store.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	barrier := syncbarrier.New()
	collector := &collectingDispatch{}
	c := New(Deps{Store: store, Dispatch: collector.dispatch, Barrier: barrier, PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go c.Run(runCtx)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if barrier.IsFinished() && len(collector.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !barrier.IsFinished() {
		t.Fatalf("expected barrier to reach Finished after the first poll")
	}
	events := collector.snapshot()
	if len(events) != 1 || events[0].DN != "idnsName=example.org.,cn=dns,dc=example" {
		t.Fatalf("got events %+v, want the single seeded entry", events)
	}
}

func TestRunClearsStaleZoneFiles(t *testing.T) {
	store := newTestStore(t)
	baseDir := t.TempDir()
	staleDir := filepath.Join(baseDir, "master", "stale.example.org")
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	barrier := syncbarrier.New()
	collector := &collectingDispatch{}
	c := New(Deps{Store: store, Dispatch: collector.dispatch, Barrier: barrier, BaseDir: baseDir, PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.Run(runCtx)

	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Fatalf("expected stale zone directory to be removed, stat err = %v", err)
	}
}

func TestRunTaintsBarrierOnPollFailure(t *testing.T) {
	store := newTestStore(t)
	store.Close() // every subsequent PollSince now fails

	barrier := syncbarrier.New()
	collector := &collectingDispatch{}
	c := New(Deps{Store: store, Dispatch: collector.dispatch, Barrier: barrier, PollInterval: 10 * time.Millisecond})

	runCtx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	c.Run(runCtx)

	if !barrier.Tainted() {
		t.Fatalf("expected barrier to be tainted after repeated poll failures")
	}
}
