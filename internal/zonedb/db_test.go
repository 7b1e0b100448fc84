package zonedb

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("dns.NewRR(%q): %v", s, err)
	}
	return rr
}

func TestNewVersionCommitRoundTrip(t *testing.T) {
	db := New("example.org.")
	if !db.IsEmpty() {
		t.Fatalf("expected new db to be empty")
	}

	v := db.NewVersion()
	soa := mustRR(t, "example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 1 3600 900 604800 3600")
	a := mustRR(t, "host.example.org. 300 IN A 192.0.2.1")
	if err := v.Apply([]Tuple{{Op: OpAdd, RR: soa}, {Op: OpAdd, RR: a}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	v.Commit()

	if db.IsEmpty() {
		t.Fatalf("expected db to hold content after commit")
	}
	if db.Serial() != 1 {
		t.Fatalf("got serial %d, want 1", db.Serial())
	}
	if len(db.AllRRs()) != 2 {
		t.Fatalf("got %d RRs, want 2", len(db.AllRRs()))
	}
	if len(db.RRsForOwner("host.example.org.")) != 1 {
		t.Fatalf("expected 1 RR for host.example.org.")
	}
}

func TestVersionIsolatedUntilCommit(t *testing.T) {
	db := New("example.org.")
	v := db.NewVersion()
	a := mustRR(t, "host.example.org. 300 IN A 192.0.2.1")
	if err := v.Apply([]Tuple{{Op: OpAdd, RR: a}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !db.IsEmpty() {
		t.Fatalf("uncommitted version must not mutate the live db")
	}
	if len(v.AllRRs()) != 1 {
		t.Fatalf("version should already see its own uncommitted change")
	}
}

func TestApplyDeleteMissingRRFails(t *testing.T) {
	db := New("example.org.")
	v := db.NewVersion()
	a := mustRR(t, "host.example.org. 300 IN A 192.0.2.1")
	if err := v.Apply([]Tuple{{Op: OpDel, RR: a}}); err == nil {
		t.Fatalf("expected error deleting an RR that was never added")
	}
}

func TestApplyDeleteIgnoresTTLWhenMatching(t *testing.T) {
	db := New("example.org.")
	v := db.NewVersion()
	added := mustRR(t, "host.example.org. 300 IN A 192.0.2.1")
	if err := v.Apply([]Tuple{{Op: OpAdd, RR: added}}); err != nil {
		t.Fatalf("Apply add: %v", err)
	}
	v.Commit()

	v2 := db.NewVersion()
	differentTTL := mustRR(t, "host.example.org. 999 IN A 192.0.2.1")
	if err := v2.Apply([]Tuple{{Op: OpDel, RR: differentTTL}}); err != nil {
		t.Fatalf("expected delete to match ignoring TTL: %v", err)
	}
	v2.Commit()

	if len(db.RRsForOwner("host.example.org.")) != 0 {
		t.Fatalf("expected owner to have no RRs left after delete")
	}
}

func TestRREqualAndIgnoringTTL(t *testing.T) {
	a := mustRR(t, "host.example.org. 300 IN A 192.0.2.1")
	b := mustRR(t, "host.example.org. 999 IN A 192.0.2.1")

	if RREqual(a, b) {
		t.Fatalf("expected RREqual to be false across differing TTLs")
	}
	if !RREqualIgnoringTTL(a, b) {
		t.Fatalf("expected RREqualIgnoringTTL to be true")
	}
}

func TestSortRRsOrdersByNameThenType(t *testing.T) {
	rrs := []dns.RR{
		mustRR(t, "b.example.org. 300 IN A 192.0.2.2"),
		mustRR(t, "a.example.org. 300 IN AAAA 2001:db8::1"),
		mustRR(t, "a.example.org. 300 IN A 192.0.2.1"),
	}
	SortRRs(rrs)

	if rrs[0].Header().Name != "a.example.org." || rrs[0].Header().Rrtype != dns.TypeA {
		t.Fatalf("got first=%v", rrs[0])
	}
	if rrs[1].Header().Name != "a.example.org." || rrs[1].Header().Rrtype != dns.TypeAAAA {
		t.Fatalf("got second=%v", rrs[1])
	}
	if rrs[2].Header().Name != "b.example.org." {
		t.Fatalf("got third=%v", rrs[2])
	}
}

func TestCommitTracksLatestSOASerial(t *testing.T) {
	db := New("example.org.")
	v := db.NewVersion()
	soa := mustRR(t, "example.org. 3600 IN SOA ns1.example.org. hostmaster.example.org. 7 3600 900 604800 3600")
	if err := v.Apply([]Tuple{{Op: OpAdd, RR: soa}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	v.Commit()

	if db.Serial() != 7 {
		t.Fatalf("got serial %d, want 7", db.Serial())
	}
}
