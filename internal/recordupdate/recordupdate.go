// Package recordupdate implements the Record Updater (spec component J):
// the single-owner handler that diffs one name's rdata against a
// directory entry and applies the minimal change, bumping the zone's SOA
// serial when sync has finished.
package recordupdate

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/ldapdns/zonesync/internal/diffengine"
	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/journal"
	"github.com/ldapdns/zonesync/internal/metrics"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
	"github.com/ldapdns/zonesync/internal/zonedb"
	"github.com/ldapdns/zonesync/internal/zonereg"
	"github.com/miekg/dns"
)

// Deps are the Updater's collaborators.
type Deps struct {
	Zones     *zonereg.Register
	FakeMName string
	Barrier   *syncbarrier.Barrier
	Journals  *journal.Store
	Metrics   *metrics.Metrics
	// WriteBackSOA echoes a bumped serial back to the directory. The
	// instance wires it to internal/writeback; it may be nil, and then the
	// bump is only logged.
	WriteBackSOA func(ctx context.Context, origin string, newSerial uint32) error
	// ReloadZone is called to give a zone one chance to become ready
	// after a NotLoaded/BadZone outcome (spec 4.J step 7). It may be nil,
	// in which case that outcome is simply returned to the caller.
	ReloadZone func(ctx context.Context, origin string) error
	// SyncPTR validates and (if validation succeeds) applies a PTR update
	// matching one A/AAAA change, matching writeback.WriteBack.SyncPTR's
	// signature. An error it returns refuses the original update, per
	// spec 4.K step 2; a nil error means validation passed, regardless of
	// whether the PTR-side apply itself later failed (that failure is
	// only logged). May be nil, in which case PTR sync never runs.
	SyncPTR func(ctx context.Context, owner string, ip net.IP, isAdd bool) error
}

// Updater handles Record-class dispatcher events.
type Updater struct {
	deps Deps
}

func New(deps Deps) *Updater {
	return &Updater{deps: deps}
}

// Handle implements dispatcher.Handlers.RecordHandler.
func (u *Updater) Handle(ctx context.Context, ev directory.ChangeEvent, owner, origin string) error {
	err := u.apply(ctx, ev, owner, origin)
	if (err == direrr.ErrNotLoaded || err == direrr.ErrBadZone) && u.deps.ReloadZone != nil {
		if reloadErr := u.deps.ReloadZone(ctx, origin); reloadErr != nil {
			return fmt.Errorf("recordupdate: reloading %s after %v: %w", origin, err, reloadErr)
		}
		err = u.apply(ctx, ev, owner, origin)
	}
	return err
}

func (u *Updater) apply(ctx context.Context, ev directory.ChangeEvent, owner, origin string) error {
	origin = dns.Fqdn(origin)
	owner = dns.Fqdn(owner)

	info, err := u.deps.Zones.GetInfo(origin)
	if err != nil {
		return direrr.ErrNotLoaded
	}
	if info.Kind != zonereg.KindMaster {
		return direrr.ErrBadZone
	}

	var desired []dns.RR
	if ev.Type != directory.ChangeDelete && ev.Entry != nil {
		desired, err = ev.Entry.ParseRRs(owner, u.deps.FakeMName)
		if err != nil {
			return fmt.Errorf("recordupdate: parsing RRs for %s: %w", owner, err)
		}
	}

	old := info.DB.RRsForOwner(owner)
	tuples := diffengine.Minimal(old, desired)
	if len(tuples) == 0 {
		return nil
	}

	if u.deps.SyncPTR != nil && info.Settings.GetBool("sync_ptr") {
		if err := u.syncPTRForTuples(ctx, owner, tuples); err != nil {
			return err
		}
	}

	finished := u.deps.Barrier.IsFinished()
	now := time.Now()

	var newSerial uint32
	if finished {
		oldSOA := findSOA(info.DB.AllRRs())
		if oldSOA != nil {
			del, add, serial := diffengine.SynthesizeSOAPair(oldSOA, now)
			tuples = append([]zonedb.Tuple{del, add}, tuples...)
			newSerial = serial
			if u.deps.Metrics != nil {
				u.deps.Metrics.SerialBumps.Inc()
			}
		}
	}

	oldSerial := info.DB.Serial()
	version := info.DB.NewVersion()
	if err := version.Apply(tuples); err != nil {
		return fmt.Errorf("recordupdate: applying diff for %s: %w", owner, err)
	}
	version.Commit()

	if u.deps.Metrics != nil {
		for _, t := range tuples {
			op := "add"
			if t.Op == zonedb.OpDel {
				op = "del"
			}
			u.deps.Metrics.DiffTuplesApplied.WithLabelValues(op).Inc()
		}
	}

	if finished {
		if err := u.deps.Journals.Append(origin, journal.Transaction{OldSerial: oldSerial, NewSerial: info.DB.Serial(), Tuples: tuples}); err != nil {
			log.Printf("recordupdate: journal append failed for %s: %v", origin, err)
		} else if u.deps.Metrics != nil {
			u.deps.Metrics.JournalTransactions.WithLabelValues(origin).Inc()
		}

		if newSerial != 0 {
			if u.deps.WriteBackSOA != nil {
				if err := u.deps.WriteBackSOA(ctx, origin, newSerial); err != nil {
					log.Printf("recordupdate: writing back new serial for %s failed: %v", origin, err)
				}
			} else {
				log.Printf("recordupdate: %s serial advanced to %d (no write-back component wired)", origin, newSerial)
			}
		}
	}

	return nil
}

// syncPTRForTuples validates (and, if validation passes, applies) the PTR
// side of every A/AAAA tuple in the diff, in the order they appear. The
// first validation failure aborts the whole record update, matching spec
// 4.K step 2's "refuse the original update with NoPerm" (and its sibling
// Singleton/UnexpectedToken outcomes).
func (u *Updater) syncPTRForTuples(ctx context.Context, owner string, tuples []zonedb.Tuple) error {
	for _, t := range tuples {
		ip := addressOf(t.RR)
		if ip == nil {
			continue
		}
		if err := u.deps.SyncPTR(ctx, owner, ip, t.Op == zonedb.OpAdd); err != nil {
			return fmt.Errorf("recordupdate: PTR sync for %s: %w", owner, err)
		}
	}
	return nil
}

func addressOf(rr dns.RR) net.IP {
	switch v := rr.(type) {
	case *dns.A:
		return v.A
	case *dns.AAAA:
		return v.AAAA
	default:
		return nil
	}
}

func findSOA(rrs []dns.RR) *dns.SOA {
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa
		}
	}
	return nil
}
