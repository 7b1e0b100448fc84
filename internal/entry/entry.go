// Package entry models a single directory entry: its DN, object-class
// bitset, and attribute values, together with the record-type iteration
// and fake-SOA composition spec component B requires.
package entry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Class is the object-class bitset. An entry can carry more than one bit
// (the spec notes MASTER_ZONE+RECORD is possible and under-specified
// upstream; SOA synthesis must run before ordinary RR parsing in that
// case).
type Class uint8

const (
	ClassConfig Class = 1 << iota
	ClassMasterZone
	ClassForwardZone
	ClassRecord
)

func (c Class) Has(bit Class) bool { return c&bit != 0 }

func (c Class) String() string {
	var parts []string
	if c.Has(ClassConfig) {
		parts = append(parts, "CONFIG")
	}
	if c.Has(ClassMasterZone) {
		parts = append(parts, "MASTER_ZONE")
	}
	if c.Has(ClassForwardZone) {
		parts = append(parts, "FORWARD_ZONE")
	}
	if c.Has(ClassRecord) {
		parts = append(parts, "RECORD")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ClassFromObjectClasses derives the bitset from the raw objectClass
// attribute values of an add/modify event.
func ClassFromObjectClasses(objectClasses []string) Class {
	var c Class
	for _, oc := range objectClasses {
		switch strings.ToLower(oc) {
		case "idnsconfigobject":
			c |= ClassConfig
		case "idnszone":
			c |= ClassMasterZone
		case "idnsforwardzone":
			c |= ClassForwardZone
		case "idnsrecord":
			c |= ClassRecord
		}
	}
	return c
}

// Entry is a directory entry: a DN plus a case-insensitive
// attribute-name -> ordered value-list map. Values are case-preserving.
type Entry struct {
	DN      string
	Classes Class

	attrs map[string][]string // key: lower-cased attribute name
	// order preserves the first-seen casing of each attribute name, for
	// anything that needs to echo it back (diagnostics, write-back).
	order []string
}

// New builds an entry from a DN and a map of attribute name -> values.
// Attribute name lookups inside Entry are case-insensitive; the casing
// passed in here is preserved for iteration order and for Attr() results
// is irrelevant since only the name's case that was passed is stored.
func New(dn string, classes Class, attrs map[string][]string) *Entry {
	e := &Entry{DN: dn, Classes: classes, attrs: make(map[string][]string, len(attrs))}
	for name, values := range attrs {
		e.Set(name, values)
	}
	return e
}

// Set assigns (overwriting) the value list for name.
func (e *Entry) Set(name string, values []string) {
	key := strings.ToLower(name)
	if _, exists := e.attrs[key]; !exists {
		e.order = append(e.order, name)
	}
	cp := make([]string, len(values))
	copy(cp, values)
	e.attrs[key] = cp
}

// Attr returns all values for name (case-insensitive), or nil if absent.
func (e *Entry) Attr(name string) []string {
	return e.attrs[strings.ToLower(name)]
}

// AttrFirst returns the first value for name, or "" if absent/empty.
func (e *Entry) AttrFirst(name string) string {
	v := e.Attr(name)
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Names returns every attribute name set on the entry, in first-seen
// order (the casing passed to Set/New).
func (e *Entry) Names() []string {
	return append([]string(nil), e.order...)
}

// HasAttr reports whether name is present at all (even with an empty
// value list would not occur in practice, but absence is what matters
// for the settings-layer "restore to unset" rule).
func (e *Entry) HasAttr(name string) bool {
	_, ok := e.attrs[strings.ToLower(name)]
	return ok
}

const recordSuffix = "record"
const defaultTTL = 86400

// RRAttr pairs a raw attribute name with the RR type it encodes.
type RRAttr struct {
	Attr string
	Type uint16
}

// RRAttrs iterates every attribute on the entry whose name has the form
// "<rrtype-text>Record" and whose prefix parses as an RR type the
// embedded name-server knows (miekg/dns.StringToType covers the same
// registry BIND does — no static table is hard-coded here, matching the
// spec's requirement).
func (e *Entry) RRAttrs() []RRAttr {
	var out []RRAttr
	for _, name := range e.order {
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, recordSuffix) {
			continue
		}
		prefix := strings.ToUpper(name[:len(name)-len(recordSuffix)])
		if prefix == "" {
			continue
		}
		rrtype, ok := dns.StringToType[prefix]
		if !ok {
			continue
		}
		out = append(out, RRAttr{Attr: name, Type: rrtype})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attr < out[j].Attr })
	return out
}

// Values returns the per-value iterator contents for a given RR attribute:
// the same as Attr(attr.Attr), exposed for readability at call sites.
func (e *Entry) Values(attr RRAttr) []string {
	return e.Attr(attr.Attr)
}

// TTL parses dnsTTL, falling back to the node-wide default of 86400s.
func (e *Entry) TTL() uint32 {
	raw := e.AttrFirst("dnsTTL")
	if raw == "" {
		return defaultTTL
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return defaultTTL
	}
	return uint32(v)
}

// RRClass is always IN today.
func (e *Entry) RRClass() uint16 { return dns.ClassINET }

// SOAText composes the fake-SOA text form BIND expects from the seven
// idnsSOA* attributes plus a fallback primary-NS name when idnsSOAmName
// is absent.
//
// "{fake_mname | idnsSOAmName} idnsSOArName idnsSOAserial idnsSOArefresh
//  idnsSOAretry idnsSOAexpire idnsSOAminimum"
func (e *Entry) SOAText(fakeMName string) (string, bool) {
	mname := e.AttrFirst("idnsSOAmName")
	if mname == "" {
		mname = fakeMName
	}
	rname := e.AttrFirst("idnsSOArName")
	serial := e.AttrFirst("idnsSOAserial")
	refresh := e.AttrFirst("idnsSOArefresh")
	retry := e.AttrFirst("idnsSOAretry")
	expire := e.AttrFirst("idnsSOAexpire")
	minimum := e.AttrFirst("idnsSOAminimum")

	if mname == "" || rname == "" || serial == "" || refresh == "" || retry == "" || expire == "" || minimum == "" {
		return "", false
	}
	return fmt.Sprintf("%s %s %s %s %s %s %s", mname, rname, serial, refresh, retry, expire, minimum), true
}

// IsZoneActive reports whether idnsZoneActive is absent (defaults to
// active) or explicitly TRUE. idnsZoneActive=FALSE removes the zone from
// service exactly like a delete event.
func (e *Entry) IsZoneActive() bool {
	raw := e.AttrFirst("idnsZoneActive")
	if raw == "" {
		return true
	}
	return !strings.EqualFold(raw, "FALSE")
}

// ParseRRs builds the full rdata-list this entry represents: one dns.RR
// per value of every "<TYPE>Record" attribute, all sharing the entry's
// single dnsTTL, plus a synthesized SOA when the entry also carries
// master-zone SOA attributes (an entry can be both MASTER_ZONE and
// RECORD at once, in which case SOA synthesis runs first, per spec 4.I
// step 8 / 4.J step 3). Every value is parsed through the name-server's
// own zone-file grammar (miekg/dns), so rdata syntax errors surface
// exactly as a master-file parse would.
func (e *Entry) ParseRRs(owner, fakeMName string) ([]dns.RR, error) {
	owner = dns.Fqdn(owner)
	ttl := e.TTL()
	class := dns.ClassToString[e.RRClass()]

	var out []dns.RR

	if soaText, ok := e.SOAText(fakeMName); ok {
		line := fmt.Sprintf("%s %d %s SOA %s", owner, ttl, class, soaText)
		rr, err := dns.NewRR(line)
		if err != nil {
			return nil, fmt.Errorf("entry: bad synthesized SOA for %s: %w", owner, err)
		}
		out = append(out, rr)
	}

	for _, attr := range e.RRAttrs() {
		typeName := dns.TypeToString[attr.Type]
		for _, value := range e.Values(attr) {
			line := fmt.Sprintf("%s %d %s %s %s", owner, ttl, class, typeName, value)
			rr, err := dns.NewRR(line)
			if err != nil {
				return nil, fmt.Errorf("entry: bad %s value %q for %s: %w", typeName, value, owner, err)
			}
			out = append(out, rr)
		}
	}

	return out, nil
}
