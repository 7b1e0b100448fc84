package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/entry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "directory.db"), findMigrationsDir(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func findMigrationsDir(t *testing.T) string {
	t.Helper()
	// Package lives at internal/directory; migrations live at the repo
	// root's migrations/ directory.
	return filepath.Join("..", "..", "migrations")
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := entry.New("idnsName=example.org.,cn=dns,dc=example", entry.ClassMasterZone, map[string][]string{
		"idnsSOAmName": {"ns"},
	})
	if err := s.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, "idnsName=example.org.,cn=dns,dc=example")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AttrFirst("idnsSOAmName") != "ns" {
		t.Fatalf("attribute not round-tripped: %+v", got)
	}
	if !got.Classes.Has(entry.ClassMasterZone) {
		t.Fatalf("expected MASTER_ZONE class, got %s", got.Classes)
	}
}

func TestAddDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := entry.New("dn=dup", entry.ClassRecord, nil)

	if err := s.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ctx, e); err != direrr.ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestModifyAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := entry.New("dn=rec1", entry.ClassRecord, map[string][]string{"ARecord": {"192.0.2.1"}})

	if err := s.Add(ctx, e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Modify(ctx, "dn=rec1", map[string][]string{"ARecord": {"192.0.2.2"}}, entry.ClassRecord); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	got, err := s.Get(ctx, "dn=rec1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AttrFirst("ARecord") != "192.0.2.2" {
		t.Fatalf("modify not applied: %+v", got)
	}

	if err := s.Delete(ctx, "dn=rec1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "dn=rec1"); err != direrr.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPollSinceOrdersByCookie(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start, err := s.MaxCookie(ctx)
	if err != nil {
		t.Fatalf("MaxCookie: %v", err)
	}

	_ = s.Add(ctx, entry.New("dn=a", entry.ClassRecord, nil))
	_ = s.Add(ctx, entry.New("dn=b", entry.ClassRecord, nil))
	_ = s.Modify(ctx, "dn=a", map[string][]string{"ARecord": {"192.0.2.9"}}, entry.ClassRecord)

	events, err := s.PollSince(ctx, start, 0)
	if err != nil {
		t.Fatalf("PollSince: %v", err)
	}
	// dn=a's modify supersedes its add: one event per row, latest state.
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Cookie <= events[i-1].Cookie {
			t.Fatalf("events not strictly increasing by cookie: %+v", events)
		}
	}
}

func TestSearchSubtree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.Add(ctx, entry.New("idnsName=example.org.,cn=dns,dc=example", entry.ClassMasterZone, nil))
	_ = s.Add(ctx, entry.New("idnsName=host,idnsName=example.org.,cn=dns,dc=example", entry.ClassRecord, nil))
	_ = s.Add(ctx, entry.New("idnsName=other.org.,cn=dns,dc=example", entry.ClassMasterZone, nil))

	got, err := s.SearchSubtree(ctx, "idnsName=example.org.,cn=dns,dc=example")
	if err != nil {
		t.Fatalf("SearchSubtree: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries under the subtree, got %d", len(got))
	}
}
