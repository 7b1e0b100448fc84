package dnsname

import (
	"errors"
	"testing"

	"github.com/ldapdns/zonesync/internal/direrr"
)

func TestFromDNApex(t *testing.T) {
	owner, origin, err := FromDN("idnsName=example.org., cn=dns, dc=example, dc=test")
	if err != nil {
		t.Fatalf("FromDN: %v", err)
	}
	if owner != "example.org." || origin != "example.org." {
		t.Fatalf("got owner=%q origin=%q", owner, origin)
	}
}

func TestFromDNOwnerUnderZone(t *testing.T) {
	owner, origin, err := FromDN("idnsName=host, idnsName=example.org., cn=dns, dc=example, dc=test")
	if err != nil {
		t.Fatalf("FromDN: %v", err)
	}
	if owner != "host.example.org." {
		t.Fatalf("got owner=%q, want host.example.org.", owner)
	}
	if origin != "example.org." {
		t.Fatalf("got origin=%q, want example.org.", origin)
	}
}

func TestFromDNRejectsOwnerEqualToZone(t *testing.T) {
	_, _, err := FromDN("idnsName=example.org., idnsName=example.org., cn=dns, dc=example")
	if !errors.Is(err, direrr.ErrBadOwnerName) {
		t.Fatalf("expected ErrBadOwnerName, got %v", err)
	}
}

func TestFromDNRejectsNoIdnsNameComponent(t *testing.T) {
	_, _, err := FromDN("cn=dns, dc=example, dc=test")
	if !errors.Is(err, direrr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFromDNRejectsTooManyComponents(t *testing.T) {
	_, _, err := FromDN("idnsName=a, idnsName=b, idnsName=c, cn=dns, dc=example")
	if !errors.Is(err, direrr.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestFromDNRejectsMultiValuedRDN(t *testing.T) {
	_, _, err := FromDN("idnsName=host+description=x, idnsName=example.org., cn=dns")
	if !errors.Is(err, direrr.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for multi-valued RDN, got %v", err)
	}
}

func TestFromDNEscapedOwner(t *testing.T) {
	// "a b" escaped to directory form is a\20b.
	owner, _, err := FromDN(`idnsName=a\20b, idnsName=example.org., cn=dns`)
	if err != nil {
		t.Fatalf("FromDN: %v", err)
	}
	if owner != `a\032b.example.org.` {
		t.Fatalf("got owner=%q, want a\\032b.example.org.", owner)
	}
}

func TestIsConfigDN(t *testing.T) {
	base := "cn=dns, dc=example, dc=test"
	if !IsConfigDN(" CN=DNS , DC=example , DC=test ", base) {
		t.Fatalf("expected case/whitespace-insensitive match")
	}
	if IsConfigDN("idnsName=example.org., cn=dns, dc=example, dc=test", base) {
		t.Fatalf("expected a zone DN not to match the base as a config DN")
	}
}

type fakeZoneLookup struct {
	origin, dn string
	ok         bool
}

func (f fakeZoneLookup) ZoneDN(name string) (string, string, bool) {
	return f.origin, f.dn, f.ok
}

func TestToDNApex(t *testing.T) {
	lookup := fakeZoneLookup{origin: "example.org.", dn: "idnsName=example.org.,cn=dns", ok: true}
	got, err := ToDN(lookup, "example.org.")
	if err != nil {
		t.Fatalf("ToDN: %v", err)
	}
	if got != "idnsName=example.org.,cn=dns" {
		t.Fatalf("got %q", got)
	}
}

func TestToDNOwnerUnderZone(t *testing.T) {
	lookup := fakeZoneLookup{origin: "example.org.", dn: "idnsName=example.org.,cn=dns", ok: true}
	got, err := ToDN(lookup, "host.example.org.")
	if err != nil {
		t.Fatalf("ToDN: %v", err)
	}
	if got != "idnsName=host, idnsName=example.org.,cn=dns" {
		t.Fatalf("got %q", got)
	}
}

func TestToDNNoRegisteredZone(t *testing.T) {
	lookup := fakeZoneLookup{ok: false}
	if _, err := ToDN(lookup, "example.org."); !errors.Is(err, direrr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFromDNToDNRoundTrip(t *testing.T) {
	dn := "idnsName=host, idnsName=example.org., cn=dns, dc=example"
	owner, origin, err := FromDN(dn)
	if err != nil {
		t.Fatalf("FromDN: %v", err)
	}

	lookup := fakeZoneLookup{origin: origin, dn: "idnsName=example.org., cn=dns, dc=example", ok: true}
	back, err := ToDN(lookup, owner)
	if err != nil {
		t.Fatalf("ToDN: %v", err)
	}
	if back != "idnsName=host, idnsName=example.org., cn=dns, dc=example" {
		t.Fatalf("round trip mismatch: %q", back)
	}
}
