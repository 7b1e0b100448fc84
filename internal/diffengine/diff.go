// Package diffengine computes the minimal add/delete diff between two RR
// collections and carries the SOA-serial bump semantics shared by the
// zone projector (spec component I) and the record updater (component J).
package diffengine

import (
	"time"

	"github.com/ldapdns/zonesync/internal/zonedb"
	"github.com/miekg/dns"
)

// Minimal computes the diff to turn "old" into "desired": every RR in old
// not present (fully, including TTL) in desired generates a DEL tuple;
// every RR in desired not present in old generates an ADD tuple. DEL/ADD
// pairs for the exact same (name, type, class, ttl, rdata) cancel, so the
// result contains no matching counterpart — this is the strict
// minimality property spec section 8 requires.
func Minimal(old, desired []dns.RR) []zonedb.Tuple {
	oldLeft := make([]dns.RR, len(old))
	copy(oldLeft, old)
	desiredLeft := make([]dns.RR, len(desired))
	copy(desiredLeft, desired)

	var tuples []zonedb.Tuple

	for _, o := range old {
		if matched := findAndRemove(&desiredLeft, o); matched {
			removeOne(&oldLeft, o)
		}
	}

	for _, o := range oldLeft {
		tuples = append(tuples, zonedb.Tuple{Op: zonedb.OpDel, RR: o})
	}
	for _, d := range desiredLeft {
		tuples = append(tuples, zonedb.Tuple{Op: zonedb.OpAdd, RR: d})
	}
	return tuples
}

// findAndRemove removes the first RR in *set equal to target (including
// TTL) and reports whether it found one.
func findAndRemove(set *[]dns.RR, target dns.RR) bool {
	s := *set
	for i, rr := range s {
		if zonedb.RREqual(rr, target) {
			*set = append(s[:i:i], s[i+1:]...)
			return true
		}
	}
	return false
}

func removeOne(set *[]dns.RR, target dns.RR) {
	s := *set
	for i, rr := range s {
		if zonedb.RREqual(rr, target) {
			*set = append(s[:i:i], s[i+1:]...)
			return
		}
	}
}

// SerialAnalysis is the result of diff_analyze_serial (spec 4.I step 10).
type SerialAnalysis struct {
	DataChanged  bool
	SOAPairFound bool
	OldSOA       *dns.SOA
	NewSOA       *dns.SOA
	// RewrittenTuples is the (possibly unmodified) tuple list after serial
	// synthesis/rewrite/discard has been applied.
	RewrittenTuples []zonedb.Tuple
	// SerialAdvanced is true if this call changed the serial value that
	// will be committed (synthesized or rewrote it), meaning the new
	// serial must be written back to the directory.
	SerialAdvanced bool
	// Discarded is true if the whole diff was thrown away because it
	// moved the serial backward without any real data change.
	Discarded bool
}

// AnalyzeSerial implements spec 4.I step 10 exactly:
//
//   - data-changed if any non-SOA tuple exists, or the zone is fresh, or
//     sync state isn't Finished.
//   - a DEL/ADD SOA pair whose rdata is equal ignoring serial is a
//     serial-only change, not itself a data change.
//   - if data-changed and no SOA pair exists, synthesize one.
//   - if a SOA pair exists but the new serial doesn't strictly advance
//     (unix-time wrap-aware compare), or the zone is fresh, or sync state
//     isn't Finished, rewrite the new serial via the unix-time method.
//   - if not data-changed and the diff moves the serial backward, discard
//     the whole diff.
func AnalyzeSerial(tuples []zonedb.Tuple, freshZone bool, syncFinished bool, now time.Time) SerialAnalysis {
	var nonSOA bool
	var delSOA, addSOA *zonedb.Tuple
	for i := range tuples {
		t := &tuples[i]
		if soa, ok := t.RR.(*dns.SOA); ok {
			if t.Op == zonedb.OpDel {
				delSOA = t
				_ = soa
			} else {
				addSOA = t
			}
			continue
		}
		nonSOA = true
	}

	analysis := SerialAnalysis{RewrittenTuples: tuples}
	analysis.DataChanged = nonSOA || freshZone || !syncFinished

	var oldSOA, newSOA *dns.SOA
	if delSOA != nil {
		oldSOA, _ = delSOA.RR.(*dns.SOA)
	}
	if addSOA != nil {
		newSOA, _ = addSOA.RR.(*dns.SOA)
	}

	if oldSOA != nil && newSOA != nil {
		analysis.SOAPairFound = true
		analysis.OldSOA, analysis.NewSOA = oldSOA, newSOA
		if soaRDataEqualIgnoringSerial(oldSOA, newSOA) {
			// serial-only change: does not by itself count as a data
			// change, but nonSOA may still have made DataChanged true.
		} else {
			analysis.DataChanged = true
		}
	}

	switch {
	case analysis.DataChanged && !analysis.SOAPairFound:
		// Synthesize: need the prior committed SOA to delete. The caller
		// is responsible for having included it as oldSOA via
		// SynthesizeSOAPair below when no pair existed; AnalyzeSerial
		// only flags that synthesis is required.
		analysis.SerialAdvanced = true
	case analysis.SOAPairFound && !analysis.DataChanged && newSOA.Serial != oldSOA.Serial && !unixSerialGreater(newSOA.Serial, oldSOA.Serial):
		// Serial-only change moving backward with no real data change:
		// the whole diff is spurious, throw it away.
		analysis.Discarded = true
		analysis.RewrittenTuples = nil
	case analysis.SOAPairFound && (!unixSerialGreater(newSOA.Serial, oldSOA.Serial) || freshZone || !syncFinished):
		rewritten := dns.Copy(newSOA).(*dns.SOA)
		rewritten.Serial = NextUnixSerial(oldSOA.Serial, now)
		replaceTuple(analysis.RewrittenTuples, addSOA, zonedb.Tuple{Op: zonedb.OpAdd, RR: rewritten})
		analysis.NewSOA = rewritten
		analysis.SerialAdvanced = true
	}

	return analysis
}

func replaceTuple(tuples []zonedb.Tuple, old *zonedb.Tuple, replacement zonedb.Tuple) {
	for i := range tuples {
		if &tuples[i] == old {
			tuples[i] = replacement
			return
		}
	}
}

// SynthesizeSOAPair builds the DEL-old/ADD-bumped-copy pair to prepend to
// a diff when data changed but the diff itself carried no SOA tuple.
func SynthesizeSOAPair(oldSOA *dns.SOA, now time.Time) (del, add zonedb.Tuple, newSerial uint32) {
	newSerial = NextUnixSerial(oldSOA.Serial, now)
	newSOA := dns.Copy(oldSOA).(*dns.SOA)
	newSOA.Serial = newSerial
	return zonedb.Tuple{Op: zonedb.OpDel, RR: oldSOA}, zonedb.Tuple{Op: zonedb.OpAdd, RR: newSOA}, newSerial
}

// NextUnixSerial implements the unix-time SOA serial update method: the
// new serial is max(old+1, now-as-uint32), so it always strictly exceeds
// the previous serial even when clock skew or repeated calls within the
// same second would otherwise produce a tie.
func NextUnixSerial(old uint32, now time.Time) uint32 {
	candidate := uint32(now.Unix())
	if !unixSerialGreater(candidate, old) {
		candidate = old + 1
	}
	return candidate
}

// unixSerialGreater reports whether a is strictly greater than b using
// RFC 1982 serial-number arithmetic (wrap-aware).
func unixSerialGreater(a, b uint32) bool {
	diff := int32(a - b)
	return diff > 0
}

func soaRDataEqualIgnoringSerial(a, b *dns.SOA) bool {
	ac, bc := *a, *b
	ac.Serial, bc.Serial = 0, 0
	ac.Hdr.Ttl, bc.Hdr.Ttl = 0, 0
	return ac.String() == bc.String()
}
