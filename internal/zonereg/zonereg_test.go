package zonereg

import (
	"testing"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/settings"
	"github.com/ldapdns/zonesync/internal/zonedb"
)

func newTestRegister() *Register {
	return New(16)
}

func TestAddAndGetDBs(t *testing.T) {
	r := newTestRegister()
	db := zonedb.New("example.com.")
	set := settings.New(nil)

	if err := r.Add("example.com.", "idnsName=example.com,cn=dns,dc=example", KindMaster, db, set, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := r.GetDBs("host.example.com.")
	if err != nil {
		t.Fatalf("GetDBs: %v", err)
	}
	if got != db {
		t.Fatalf("GetDBs returned wrong db")
	}
}

func TestAddDuplicateFails(t *testing.T) {
	r := newTestRegister()
	db := zonedb.New("example.com.")
	set := settings.New(nil)

	if err := r.Add("example.com.", "dn1", KindMaster, db, set, true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Add("example.com.", "dn2", KindMaster, db, set, true); err != direrr.ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestLongestMatchWins(t *testing.T) {
	r := newTestRegister()
	parent := zonedb.New("example.com.")
	child := zonedb.New("sub.example.com.")
	set := settings.New(nil)

	if err := r.Add("example.com.", "dn-parent", KindMaster, parent, set, true); err != nil {
		t.Fatalf("Add parent: %v", err)
	}
	if err := r.Add("sub.example.com.", "dn-child", KindMaster, child, set, true); err != nil {
		t.Fatalf("Add child: %v", err)
	}

	got, err := r.GetDBs("host.sub.example.com.")
	if err != nil {
		t.Fatalf("GetDBs: %v", err)
	}
	if got != child {
		t.Fatalf("expected longest match (child zone), got parent")
	}

	got, err = r.GetDBs("other.example.com.")
	if err != nil {
		t.Fatalf("GetDBs: %v", err)
	}
	if got != parent {
		t.Fatalf("expected parent zone for sibling name")
	}
}

func TestDeleteUnknownIsNotAnError(t *testing.T) {
	r := newTestRegister()
	r.Delete("nowhere.example.com.")
}

func TestGetDBsNotFound(t *testing.T) {
	r := newTestRegister()
	if _, err := r.GetDBs("example.com."); err != direrr.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheInvalidatedOnAddAfterLookup(t *testing.T) {
	r := newTestRegister()
	parent := zonedb.New("example.com.")
	child := zonedb.New("sub.example.com.")
	set := settings.New(nil)

	if err := r.Add("example.com.", "dn-parent", KindMaster, parent, set, true); err != nil {
		t.Fatalf("Add parent: %v", err)
	}

	if got, _ := r.GetDBs("host.sub.example.com."); got != parent {
		t.Fatalf("expected parent before child zone registered")
	}

	if err := r.Add("sub.example.com.", "dn-child", KindMaster, child, set, true); err != nil {
		t.Fatalf("Add child: %v", err)
	}

	got, err := r.GetDBs("host.sub.example.com.")
	if err != nil {
		t.Fatalf("GetDBs: %v", err)
	}
	if got != child {
		t.Fatalf("stale cache returned parent after child zone was added")
	}
}

func TestIterate(t *testing.T) {
	r := newTestRegister()
	set := settings.New(nil)
	_ = r.Add("a.example.", "dn-a", KindMaster, zonedb.New("a.example."), set, true)
	_ = r.Add("b.example.", "dn-b", KindMaster, zonedb.New("b.example."), set, true)

	seen := map[string]bool{}
	r.Iterate(func(info *Info) bool {
		seen[info.Origin] = true
		return true
	})
	if len(seen) != 2 {
		t.Fatalf("expected 2 zones visited, got %d", len(seen))
	}
}

func TestAddUnpublishedZoneThenPublishAll(t *testing.T) {
	r := newTestRegister()
	set := settings.New(nil)
	if err := r.Add("example.com.", "dn-example", KindMaster, zonedb.New("example.com."), set, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	info, err := r.GetInfo("example.com.")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Published.Load() {
		t.Fatalf("expected zone registered unpublished")
	}

	r.PublishAll()

	if !info.Published.Load() {
		t.Fatalf("expected PublishAll to publish the zone")
	}
}

func TestPublishAllLeavesAlreadyPublishedZonesAlone(t *testing.T) {
	r := newTestRegister()
	set := settings.New(nil)
	if err := r.Add("example.com.", "dn-example", KindMaster, zonedb.New("example.com."), set, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	info, err := r.GetInfo("example.com.")
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if !info.Published.Load() {
		t.Fatalf("expected zone registered published")
	}

	r.PublishAll()

	if !info.Published.Load() {
		t.Fatalf("expected zone to remain published")
	}
}

func TestZoneDN(t *testing.T) {
	r := newTestRegister()
	set := settings.New(nil)
	_ = r.Add("example.com.", "dn-example", KindMaster, zonedb.New("example.com."), set, true)

	origin, dn, ok := r.ZoneDN("example.com.")
	if !ok || origin != "example.com." || dn != "dn-example" {
		t.Fatalf("ZoneDN mismatch: origin=%q dn=%q ok=%v", origin, dn, ok)
	}

	origin, dn, ok = r.ZoneDN("host.example.com.")
	if !ok || origin != "example.com." || dn != "dn-example" {
		t.Fatalf("ZoneDN should return the enclosing zone for an owner name: origin=%q dn=%q ok=%v", origin, dn, ok)
	}
}
