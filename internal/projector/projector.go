// Package projector implements the Zone Projector (spec component I):
// the master-zone handler that parses a directory entry's RRs, diffs
// them against the live zone database, manages the SOA serial, applies
// the diff, and writes the journal.
package projector

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/ldapdns/zonesync/internal/diffengine"
	"github.com/ldapdns/zonesync/internal/directory"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/fwdreg"
	"github.com/ldapdns/zonesync/internal/journal"
	"github.com/ldapdns/zonesync/internal/layout"
	"github.com/ldapdns/zonesync/internal/metrics"
	"github.com/ldapdns/zonesync/internal/settings"
	"github.com/ldapdns/zonesync/internal/syncbarrier"
	"github.com/ldapdns/zonesync/internal/tasks"
	"github.com/ldapdns/zonesync/internal/zonedb"
	"github.com/ldapdns/zonesync/internal/zonereg"
	"github.com/miekg/dns"
)

// Deps are the Projector's collaborators. Metrics and WriteBackSOA may
// be nil (with WriteBackSOA nil, a serial bump is only logged).
type Deps struct {
	Zones          *zonereg.Register
	Forwards       *fwdreg.Register
	GlobalSettings *settings.Set
	Journals       *journal.Store
	BaseDir        string
	FakeMName      string
	Barrier        *syncbarrier.Barrier
	Metrics        *metrics.Metrics
	// WriteBackSOA echoes a synthesized/rewritten serial back to the
	// directory (spec 4.I step 10's last bullet). The instance wires it to
	// internal/writeback; it may be nil, and then the bump is only logged.
	WriteBackSOA func(ctx context.Context, origin string, newSerial uint32) error
}

// Projector handles Master- and Forward-class dispatcher events.
type Projector struct {
	deps Deps
}

func New(deps Deps) *Projector {
	return &Projector{deps: deps}
}

// Handle implements dispatcher.Handlers.ZoneHandler.
func (p *Projector) Handle(ctx context.Context, ev directory.ChangeEvent, owner, origin string, queue *tasks.Queue) error {
	return queue.Exclusive(func() error {
		return p.handleLocked(ctx, ev, origin)
	})
}

func (p *Projector) handleLocked(ctx context.Context, ev directory.ChangeEvent, origin string) error {
	origin = dns.Fqdn(origin)

	if ev.Type == directory.ChangeDelete || (ev.Entry != nil && !ev.Entry.IsZoneActive()) {
		p.removeZone(origin)
		return nil
	}

	e := ev.Entry

	if e.Classes.Has(entry.ClassForwardZone) {
		if took, err := p.tryForwarderTakeover(origin, e); took {
			return err
		}
	}
	p.deps.Forwards.Remove(origin)

	info, isNew, err := p.ensureZone(origin, e.DN)
	if err != nil {
		return fmt.Errorf("projector: ensuring zone %s: %w", origin, err)
	}
	rollback := func() {
		if isNew {
			p.deps.Zones.Delete(origin)
		}
	}

	mappings := []settings.Mapping{
		{SettingKey: "dyn_update", Attribute: "idnsAllowDynUpdate", Kind: settings.KindBool},
		{SettingKey: "sync_ptr", Attribute: "idnsAllowSyncPTR", Kind: settings.KindBool},
		{SettingKey: "update_policy", Attribute: "idnsUpdatePolicy", Kind: settings.KindString},
	}
	if err := info.Settings.UpdateFromEntryAtomic(e, mappings); err != nil {
		rollback()
		return fmt.Errorf("projector: updating settings for %s: %w", origin, err)
	}

	installACL(info.Settings, "allow_query", e.Attr("idnsAllowQuery"), origin)
	installACL(info.Settings, "allow_transfer", e.Attr("idnsAllowTransfer"), origin)

	rrs, err := e.ParseRRs(origin, p.deps.FakeMName)
	if err != nil {
		rollback()
		return fmt.Errorf("projector: parsing RRs for %s: %w", origin, err)
	}

	old := info.DB.AllRRs()
	tuples := diffengine.Minimal(old, rrs)

	finished := p.deps.Barrier.IsFinished()
	now := time.Now()
	analysis := diffengine.AnalyzeSerial(tuples, isNew, finished, now)

	if analysis.Discarded {
		log.Printf("projector: %s diff discarded (backward serial echo, no data change)", origin)
		if p.deps.Metrics != nil {
			p.deps.Metrics.DiffDiscarded.Inc()
		}
		return nil
	}

	finalTuples := analysis.RewrittenTuples
	var newSerial uint32
	if analysis.SerialAdvanced {
		if analysis.SOAPairFound {
			newSerial = analysis.NewSOA.Serial
		} else {
			oldSOA := findSOA(old)
			if oldSOA != nil {
				del, add, serial := diffengine.SynthesizeSOAPair(oldSOA, now)
				finalTuples = append([]zonedb.Tuple{del, add}, finalTuples...)
				newSerial = serial
			} else {
				// A fresh zone has no committed SOA: the serial of the SOA
				// the entry adds is rewritten by the unix-time method.
				for i, t := range finalTuples {
					if soa, ok := t.RR.(*dns.SOA); ok && t.Op == zonedb.OpAdd {
						rewritten := dns.Copy(soa).(*dns.SOA)
						rewritten.Serial = diffengine.NextUnixSerial(soa.Serial, now)
						finalTuples[i] = zonedb.Tuple{Op: zonedb.OpAdd, RR: rewritten}
						newSerial = rewritten.Serial
					}
				}
				if newSerial == 0 {
					rollback()
					return fmt.Errorf("projector: zone %s has no SOA to bump", origin)
				}
			}
		}
		if p.deps.Metrics != nil {
			p.deps.Metrics.SerialBumps.Inc()
		}
	}

	if len(finalTuples) == 0 {
		return nil
	}

	oldSerial := info.DB.Serial()
	version := info.DB.NewVersion()
	if err := version.Apply(finalTuples); err != nil {
		rollback()
		return fmt.Errorf("projector: applying diff for %s: %w", origin, err)
	}
	version.Commit()

	if p.deps.Metrics != nil {
		for _, t := range finalTuples {
			op := "add"
			if t.Op == zonedb.OpDel {
				op = "del"
			}
			p.deps.Metrics.DiffTuplesApplied.WithLabelValues(op).Inc()
		}
	}

	if finished && !isNew {
		if err := p.deps.Journals.Append(origin, journal.Transaction{OldSerial: oldSerial, NewSerial: info.DB.Serial(), Tuples: finalTuples}); err != nil {
			log.Printf("projector: journal append failed for %s: %v", origin, err)
		} else if p.deps.Metrics != nil {
			p.deps.Metrics.JournalTransactions.WithLabelValues(origin).Inc()
		}
	}

	if analysis.SerialAdvanced {
		if p.deps.WriteBackSOA != nil {
			if err := p.deps.WriteBackSOA(ctx, origin, newSerial); err != nil {
				log.Printf("projector: writing back new serial for %s failed: %v", origin, err)
			}
		} else {
			log.Printf("projector: %s serial advanced to %d (no write-back component wired)", origin, newSerial)
		}
	}

	if finished && analysis.DataChanged {
		log.Printf("projector: zone %s loaded with %d RRs", origin, len(info.DB.AllRRs()))
	}

	return nil
}

// tryForwarderTakeover implements spec 4.I step 3. took is true if the
// entry declared a forward policy at all (whether or not the takeover
// actually succeeded); the caller should fall through to master handling
// only when took is false.
//
// REDESIGN FLAG: the original prefers taking over as a forward zone even
// when the forwarders list is empty or unparseable. This module requires
// at least one valid forwarder address by default. The original's
// behavior is used when the global compat_invalid_forwarder_takeover
// setting is true; the instance does not declare that key, so it is only
// on where a caller declares and sets it.
func (p *Projector) tryForwarderTakeover(origin string, e *entry.Entry) (took bool, err error) {
	policy, validForwarders, allValid := parseForwarderOverride(e)
	if policy == fwdreg.PolicyNone {
		return false, nil
	}

	if !allValid {
		compat := p.deps.GlobalSettings != nil && p.deps.GlobalSettings.GetBool("compat_invalid_forwarder_takeover")
		if !compat {
			log.Printf("acl audit: zone %s declared idnsForwardPolicy with an empty or invalid idnsForwarders list, not taking over", origin)
			return false, nil
		}
		log.Printf("acl audit: zone %s declared invalid forwarders, taking over anyway (compat_invalid_forwarder_takeover=true)", origin)
	}
	if len(validForwarders) == 0 {
		return false, nil
	}

	if err := p.deps.Forwards.Install(origin, policy, validForwarders); err != nil {
		return true, fmt.Errorf("projector: installing forward zone %s: %w", origin, err)
	}
	p.deps.Zones.Delete(origin)
	if p.deps.Metrics != nil {
		p.deps.Metrics.ForwardZones.Set(float64(p.deps.Forwards.Len()))
		p.deps.Metrics.ZonesRegistered.Set(float64(p.deps.Zones.Len()))
	}
	log.Printf("projector: %s now served as a forward zone (%d forwarders, policy=%v)", origin, len(validForwarders), policy)
	return true, nil
}

// parseForwarderOverride reads idnsForwardPolicy/idnsForwarders off e.
// allValid is false if the list was empty or contained any address that
// did not parse as an IP; validForwarders holds whatever did parse.
func parseForwarderOverride(e *entry.Entry) (policy fwdreg.Policy, validForwarders []string, allValid bool) {
	policy, ok := fwdreg.ParsePolicy(e.AttrFirst("idnsForwardPolicy"))
	if !ok {
		policy = fwdreg.PolicyNone
	}
	if policy == fwdreg.PolicyNone {
		return fwdreg.PolicyNone, nil, false
	}

	raw := e.Attr("idnsForwarders")
	allValid = len(raw) > 0
	for _, addr := range raw {
		if net.ParseIP(strings.TrimSpace(addr)) == nil {
			allValid = false
			continue
		}
		validForwarders = append(validForwarders, addr)
	}
	return policy, validForwarders, allValid
}

// ensureZone implements spec 4.I step 4: find the registered zone or
// create one, its on-disk paths, and its settings layer.
func (p *Projector) ensureZone(origin, dn string) (*zonereg.Info, bool, error) {
	if info, err := p.deps.Zones.GetInfo(origin); err == nil && info.Origin == origin {
		return info, false, nil
	}

	paths := layout.ZonePaths(p.deps.BaseDir, origin)
	if err := os.RemoveAll(paths.Raw); err != nil && !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("clearing raw dir: %w", err)
	}
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating zone dir: %w", err)
	}
	if err := os.MkdirAll(paths.KeysDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("creating keys dir: %w", err)
	}
	if err := p.deps.Journals.Reset(origin); err != nil {
		return nil, false, fmt.Errorf("resetting journal: %w", err)
	}

	db := zonedb.New(origin)
	set := settings.New(p.deps.GlobalSettings)
	declareZoneSettings(set)

	// A zone created before the initial refresh has finished is registered
	// unpublished: it is diffable by this package and by recordupdate, but
	// dnsserver must not answer for it until Barrier.OnFinish calls
	// Zones.PublishAll (spec 4.I step 7).
	if err := p.deps.Zones.Add(origin, dn, zonereg.KindMaster, db, set, p.deps.Barrier.IsFinished()); err != nil {
		return nil, false, fmt.Errorf("registering zone: %w", err)
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ZonesRegistered.Set(float64(p.deps.Zones.Len()))
	}

	info, err := p.deps.Zones.GetInfo(origin)
	if err != nil {
		return nil, false, fmt.Errorf("looking up just-registered zone: %w", err)
	}
	return info, true, nil
}

func (p *Projector) removeZone(origin string) {
	if _, err := p.deps.Zones.GetInfo(origin); err == nil {
		p.deps.Zones.Delete(origin)
		paths := layout.ZonePaths(p.deps.BaseDir, origin)
		if err := os.RemoveAll(paths.Dir); err != nil {
			log.Printf("projector: removing on-disk state for %s: %v", origin, err)
		}
		if err := p.deps.Journals.Reset(origin); err != nil {
			log.Printf("projector: resetting journal for %s: %v", origin, err)
		}
		if p.deps.Metrics != nil {
			p.deps.Metrics.ZonesRegistered.Set(float64(p.deps.Zones.Len()))
		}
		log.Printf("projector: zone %s removed from service", origin)
	}
	p.deps.Forwards.Remove(origin)
	if p.deps.Metrics != nil {
		p.deps.Metrics.ForwardZones.Set(float64(p.deps.Forwards.Len()))
	}
}

func declareZoneSettings(set *settings.Set) {
	set.Declare("dyn_update", settings.KindBool, false, false)
	set.Declare("sync_ptr", settings.KindBool, false, false)
	set.Declare("update_policy", settings.KindString, "", false)
	set.Declare("allow_query", settings.KindString, "any", false)
	set.Declare("allow_transfer", settings.KindString, "none", false)
}

var aclTokenRe = regexp.MustCompile(`^[A-Za-z0-9.:/_!-]+$`)

// installACL implements spec 4.I step 6: a malformed ACL value falls
// back to the most restrictive policy with an audit log line.
func installACL(set *settings.Set, key string, values []string, origin string) {
	if len(values) == 0 {
		set.Unset(key)
		return
	}
	for _, v := range values {
		for _, tok := range strings.Fields(v) {
			if !aclTokenRe.MatchString(tok) {
				log.Printf("acl audit: zone %s: invalid token %q in %s=%q, substituting most-restrictive policy", origin, tok, key, v)
				_ = set.Set(key, "none")
				return
			}
		}
	}
	_ = set.Set(key, strings.Join(values, ";"))
}

func findSOA(rrs []dns.RR) *dns.SOA {
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa
		}
	}
	return nil
}
