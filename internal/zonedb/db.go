// Package zonedb is the in-memory stand-in for the name-server runtime's
// RBT zone database (an external collaborator per spec section 2 — the
// real implementation lives in the embedded DNS engine this module feeds;
// this package gives the projector and record updater something concrete
// to diff against and apply to, and gives the DNS-answering server
// something to read from).
package zonedb

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// DB holds the current RR content of one zone. All mutation goes through
// a Version: callers open one, mutate it, then Commit to atomically swap
// it in, mirroring "a fresh database version... close the version
// committing" from spec component I.
type DB struct {
	mu     sync.RWMutex
	origin string
	class  uint16
	rrs    map[string][]dns.RR // owner name (lowercase, fqdn) -> RRs
	serial uint32
}

// New creates an empty database for origin.
func New(origin string) *DB {
	return &DB{origin: dns.Fqdn(origin), class: dns.ClassINET, rrs: make(map[string][]dns.RR)}
}

func (db *DB) Origin() string { return db.origin }

// Serial returns the last-committed SOA serial observed (0 if none yet).
func (db *DB) Serial() uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.serial
}

// AllRRs returns every RR currently committed, across all owners.
func (db *DB) AllRRs() []dns.RR {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []dns.RR
	for _, rrset := range db.rrs {
		out = append(out, rrset...)
	}
	return out
}

// RRsForOwner returns the committed RRs at name (copy, safe to mutate).
func (db *DB) RRsForOwner(name string) []dns.RR {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := append([]dns.RR(nil), db.rrs[strings.ToLower(dns.Fqdn(name))]...)
	return out
}

// IsEmpty reports whether the database has no data at all (used to tell
// a fresh zone apart from one already holding content, matching the
// "attempted to create an already-live zone with non-empty content"
// Exists condition upstream).
func (db *DB) IsEmpty() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.rrs) == 0
}

// Version is an isolated, mutable working copy of a DB's content. Callers
// read the pre-mutation state off Version (it is seeded from the
// committed content), apply a diff, then Commit.
type Version struct {
	db   *DB
	rrs  map[string][]dns.RR
}

// NewVersion opens a version seeded from the currently committed state.
func (db *DB) NewVersion() *Version {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v := &Version{db: db, rrs: make(map[string][]dns.RR, len(db.rrs))}
	for owner, rrset := range db.rrs {
		v.rrs[owner] = append([]dns.RR(nil), rrset...)
	}
	return v
}

// AllRRs returns every RR visible in this version (pre-mutation content
// plus anything Apply has added so far).
func (v *Version) AllRRs() []dns.RR {
	var out []dns.RR
	for _, rrset := range v.rrs {
		out = append(out, rrset...)
	}
	return out
}

// RRsForOwner returns this version's RRs at name.
func (v *Version) RRsForOwner(name string) []dns.RR {
	return append([]dns.RR(nil), v.rrs[strings.ToLower(dns.Fqdn(name))]...)
}

// Apply mutates this version in place per tuples (DEL removes a matching
// RR, ADD appends one). It does not touch the committed DB until Commit.
func (v *Version) Apply(tuples []Tuple) error {
	for _, t := range tuples {
		owner := strings.ToLower(dns.Fqdn(t.RR.Header().Name))
		switch t.Op {
		case OpDel:
			rrset := v.rrs[owner]
			idx := -1
			for i, existing := range rrset {
				if rrEqualIgnoringTTL(existing, t.RR) {
					idx = i
					break
				}
			}
			if idx == -1 {
				return fmt.Errorf("zonedb: delete of missing rr %s", t.RR.String())
			}
			v.rrs[owner] = append(rrset[:idx], rrset[idx+1:]...)
			if len(v.rrs[owner]) == 0 {
				delete(v.rrs, owner)
			}
		case OpAdd:
			v.rrs[owner] = append(v.rrs[owner], t.RR)
		default:
			return fmt.Errorf("zonedb: unknown tuple op %d", t.Op)
		}
	}
	return nil
}

// Commit atomically replaces the DB's committed content with this
// version's content and records the SOA serial if a SOA is present.
func (v *Version) Commit() {
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	v.db.rrs = v.rrs
	for _, rrset := range v.rrs {
		for _, rr := range rrset {
			if soa, ok := rr.(*dns.SOA); ok {
				v.db.serial = soa.Serial
			}
		}
	}
}

// Op is a diff tuple's operation.
type Op int

const (
	OpDel Op = iota
	OpAdd
)

// Tuple is one add-or-delete diff operation on a single RR.
type Tuple struct {
	Op Op
	RR dns.RR
}

func rrEqualIgnoringTTL(a, b dns.RR) bool {
	ah, bh := *a.Header(), *b.Header()
	ah.Ttl, bh.Ttl = 0, 0
	aCopy, bCopy := dns.Copy(a), dns.Copy(b)
	*aCopy.Header() = ah
	*bCopy.Header() = bh
	return aCopy.String() == bCopy.String()
}

// RREqual compares two RRs fully, including TTL — used when deciding
// whether a cancelling DEL/ADD pair is truly a no-op.
func RREqual(a, b dns.RR) bool {
	return a.String() == b.String()
}

// RREqualIgnoringTTL compares two RRs ignoring their TTL field — used by
// the diff engine to detect "same name/type/rdata, different TTL" pairs
// which are not cancelling no-ops but also aren't ordinary ADD+DEL churn.
func RREqualIgnoringTTL(a, b dns.RR) bool {
	return rrEqualIgnoringTTL(a, b)
}

// SortRRs orders RRs deterministically by owner, type, then text, for
// stable diff output and stable journal transactions.
func SortRRs(rrs []dns.RR) {
	sort.SliceStable(rrs, func(i, j int) bool {
		hi, hj := rrs[i].Header(), rrs[j].Header()
		if hi.Name != hj.Name {
			return hi.Name < hj.Name
		}
		if hi.Rrtype != hj.Rrtype {
			return hi.Rrtype < hj.Rrtype
		}
		return rrs[i].String() < rrs[j].String()
	})
}
