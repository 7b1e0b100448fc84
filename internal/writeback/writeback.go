// Package writeback implements Write-back + PTR Sync (spec component K):
// translating the sync engine's own directory-bound writes (a corrected
// SOA serial, a companion PTR record) into directory modifications over
// the connection pool, with the retry-once-on-reconnect and
// silent-success-on-missing-target semantics ldap_modify_do defines.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/ldapdns/zonesync/internal/dirpool"
	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/dnsname"
	"github.com/ldapdns/zonesync/internal/entry"
	"github.com/ldapdns/zonesync/internal/metrics"
	"github.com/ldapdns/zonesync/internal/zonereg"
	"github.com/miekg/dns"
)

// Deps are the WriteBack's collaborators.
type Deps struct {
	Pool    *dirpool.Pool
	Zones   *zonereg.Register
	Metrics *metrics.Metrics
}

// WriteBack issues the directory-bound writes the sync engine itself
// originates (as opposed to the change stream, which only ever reads).
type WriteBack struct {
	deps Deps
}

func New(deps Deps) *WriteBack {
	return &WriteBack{deps: deps}
}

// WriteBackSOA implements the projector's and record updater's
// WriteBackSOA hook: it echoes a synthesized or rewritten serial back to
// the zone's idnsSOAserial attribute so the next refresh observes its own
// write rather than re-deriving a different one.
func (w *WriteBack) WriteBackSOA(ctx context.Context, origin string, newSerial uint32) error {
	dn, err := w.deps.Zones.GetDN(origin)
	if err != nil {
		return fmt.Errorf("writeback: locating DN for %s: %w", origin, err)
	}
	mods := []dirpool.Modification{
		{Op: dirpool.ModReplace, Attr: "idnsSOAserial", Values: []string{strconv.FormatUint(uint64(newSerial), 10)}},
	}
	return w.modify(ctx, dn, mods)
}

// WriteRecord implements write_to_ldap: rr's value is ADDed to (or, for a
// SOA, REPLACEd across) its corresponding <type>Record / idnsSOA<field>
// attribute on owner's entry.
func (w *WriteBack) WriteRecord(ctx context.Context, owner string, rr dns.RR) error {
	dn, err := dnsname.ToDN(w.deps.Zones, owner)
	if err != nil {
		return fmt.Errorf("writeback: locating DN for %s: %w", owner, err)
	}
	return w.modify(ctx, dn, recordModifications(rr, dirpool.ModAdd))
}

// RemoveRecord implements remove_values: rr's value is DELETEd from its
// attribute. Deleting the last value of an attribute that does not exist
// is silent success, handled by the connection adapter.
func (w *WriteBack) RemoveRecord(ctx context.Context, owner string, rr dns.RR) error {
	dn, err := dnsname.ToDN(w.deps.Zones, owner)
	if err != nil {
		return fmt.Errorf("writeback: locating DN for %s: %w", owner, err)
	}
	return w.modify(ctx, dn, recordModifications(rr, dirpool.ModDelete))
}

func recordModifications(rr dns.RR, deleteOp dirpool.ModOp) []dirpool.Modification {
	if soa, ok := rr.(*dns.SOA); ok {
		return []dirpool.Modification{
			{Op: dirpool.ModReplace, Attr: "idnsSOAmName", Values: []string{soa.Ns}},
			{Op: dirpool.ModReplace, Attr: "idnsSOArName", Values: []string{soa.Mbox}},
			{Op: dirpool.ModReplace, Attr: "idnsSOAserial", Values: []string{strconv.FormatUint(uint64(soa.Serial), 10)}},
			{Op: dirpool.ModReplace, Attr: "idnsSOArefresh", Values: []string{strconv.FormatUint(uint64(soa.Refresh), 10)}},
			{Op: dirpool.ModReplace, Attr: "idnsSOAretry", Values: []string{strconv.FormatUint(uint64(soa.Retry), 10)}},
			{Op: dirpool.ModReplace, Attr: "idnsSOAexpire", Values: []string{strconv.FormatUint(uint64(soa.Expire), 10)}},
			{Op: dirpool.ModReplace, Attr: "idnsSOAminimum", Values: []string{strconv.FormatUint(uint64(soa.Minttl), 10)}},
		}
	}
	typeName := dns.TypeToString[rr.Header().Rrtype]
	return []dirpool.Modification{{Op: deleteOp, Attr: strings.ToLower(typeName) + "Record", Values: []string{rdataText(rr)}}}
}

// rdataText renders the value portion of rr the way <type>Record attribute
// values are stored: the master-file text of rr with the owner/ttl/class
// header stripped off.
func rdataText(rr dns.RR) string {
	full := rr.String()
	fields := strings.Fields(full)
	// owner ttl class type rdata...; rdata starts at index 4.
	if len(fields) < 5 {
		return full
	}
	return strings.Join(fields[4:], " ")
}

// PTRValidation is the outcome of ValidatePTR (spec 4.K steps 1-3),
// computed before the primary A/AAAA update is allowed to commit.
type PTRValidation struct {
	ReverseName string
	// Skip means the PTR side is already consistent; ApplyPTR should not
	// be called.
	Skip bool
	// DeleteNode is set on a delete validation when the PTR being
	// removed is the reverse owner's only record.
	DeleteNode bool
}

// ValidatePTR implements spec 4.K steps 1-3: locate the reverse zone for
// ip, and check the existing PTR rdata-list at its owner name against the
// requested add/delete. It returns direrr.ErrNoPerm if the reverse zone
// isn't registered or doesn't allow dynamic update, direrr.ErrSingleton
// on an add that would conflict with an existing differently-targeted
// PTR, and direrr.ErrUnexpectedToken on a delete whose target doesn't
// match the sole existing PTR.
func (w *WriteBack) ValidatePTR(forwardOwner string, ip net.IP, isAdd bool) (PTRValidation, error) {
	reverseName, err := reverseName(ip)
	if err != nil {
		return PTRValidation{}, err
	}

	info, lookupErr := w.deps.Zones.GetInfo(reverseName)
	if lookupErr != nil || info.Origin == "" || !info.Settings.GetBool("dyn_update") {
		return PTRValidation{ReverseName: reverseName}, direrr.ErrNoPerm
	}

	ownerRRs := info.DB.RRsForOwner(reverseName)
	var ptrs []*dns.PTR
	for _, rr := range ownerRRs {
		if ptr, ok := rr.(*dns.PTR); ok {
			ptrs = append(ptrs, ptr)
		}
	}
	target := dns.Fqdn(forwardOwner)

	if isAdd {
		for _, ptr := range ptrs {
			if strings.EqualFold(ptr.Ptr, target) {
				return PTRValidation{ReverseName: reverseName, Skip: true}, nil
			}
		}
		if len(ptrs) > 0 {
			return PTRValidation{ReverseName: reverseName}, direrr.ErrSingleton
		}
		return PTRValidation{ReverseName: reverseName}, nil
	}

	switch len(ptrs) {
	case 0:
		return PTRValidation{ReverseName: reverseName, Skip: true}, nil
	case 1:
		if !strings.EqualFold(ptrs[0].Ptr, target) {
			return PTRValidation{ReverseName: reverseName}, direrr.ErrUnexpectedToken
		}
		return PTRValidation{ReverseName: reverseName, DeleteNode: len(ownerRRs) == 1}, nil
	default:
		return PTRValidation{ReverseName: reverseName}, direrr.ErrUnexpectedToken
	}
}

// ApplyPTR implements spec 4.K step 4, after ValidatePTR has already
// succeeded and Skip was false. A failure here is logged by the caller,
// not propagated as a failure of the primary record update. When
// v.DeleteNode is set, the PTR just removed was the reverse owner's only
// record, so the now-empty idnsRecord entry is deleted outright rather
// than left behind as an empty shell.
func (w *WriteBack) ApplyPTR(ctx context.Context, v PTRValidation, forwardOwner string, isAdd bool) error {
	dn, err := dnsname.ToDN(w.deps.Zones, v.ReverseName)
	if err != nil {
		return fmt.Errorf("writeback: locating PTR entry DN for %s: %w", v.ReverseName, err)
	}
	op := dirpool.ModAdd
	if !isAdd {
		op = dirpool.ModDelete
	}
	mods := []dirpool.Modification{{Op: op, Attr: "ptrRecord", Values: []string{dns.Fqdn(forwardOwner)}}}
	if err := w.modify(ctx, dn, mods); err != nil {
		return err
	}
	if !isAdd && v.DeleteNode {
		return w.deleteEntry(ctx, dn)
	}
	return nil
}

// deleteEntry removes dn outright, retrying once on ErrNotConnected the
// same as modify.
func (w *WriteBack) deleteEntry(ctx context.Context, dn string) error {
	err := w.tryDelete(ctx, dn)
	if err != nil && errors.Is(err, direrr.ErrNotConnected) {
		if w.deps.Metrics != nil {
			w.deps.Metrics.WritebackRetries.Inc()
		}
		err = w.tryDelete(ctx, dn)
	}
	return err
}

func (w *WriteBack) tryDelete(ctx context.Context, dn string) error {
	lease, err := w.deps.Pool.Get(ctx)
	if err != nil {
		return err
	}
	err = lease.Conn.Delete(ctx, dn)
	lease.Release(err == nil)
	return err
}

// SyncPTR runs ValidatePTR then, if not skipped or refused, ApplyPTR,
// logging (rather than propagating) any ApplyPTR failure per the "do not
// fail the primary update" rule. It returns the validation error, if any,
// unchanged, since that one DOES gate the primary update.
func (w *WriteBack) SyncPTR(ctx context.Context, forwardOwner string, ip net.IP, isAdd bool) error {
	v, err := w.ValidatePTR(forwardOwner, ip, isAdd)
	if err != nil {
		if w.deps.Metrics != nil {
			w.deps.Metrics.PTRSyncFailures.WithLabelValues(ptrFailureReason(err)).Inc()
		}
		return err
	}
	if v.Skip {
		return nil
	}
	if err := w.ApplyPTR(ctx, v, forwardOwner, isAdd); err != nil {
		log.Printf("writeback: applying PTR sync for %s at %s failed: %v", forwardOwner, v.ReverseName, err)
	}
	return nil
}

func ptrFailureReason(err error) string {
	switch {
	case errors.Is(err, direrr.ErrNoPerm):
		return "no_perm"
	case errors.Is(err, direrr.ErrSingleton):
		return "singleton"
	case errors.Is(err, direrr.ErrUnexpectedToken):
		return "unexpected_token"
	default:
		return "other"
	}
}

// reverseName converts ip to its in-addr.arpa./ip6.arpa. owner name.
func reverseName(ip net.IP) (string, error) {
	if ip == nil {
		return "", fmt.Errorf("writeback: nil IP address: %w", direrr.ErrUnexpectedToken)
	}
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", fmt.Errorf("writeback: reverse address for %s: %w", ip, err)
	}
	return name, nil
}

// modify issues a directory Modify through the pool, retrying exactly
// once if the first attempt fails because no connection is currently
// available.
func (w *WriteBack) modify(ctx context.Context, dn string, mods []dirpool.Modification) error {
	err := w.tryModify(ctx, dn, mods)
	if err != nil && errors.Is(err, direrr.ErrNotConnected) {
		if w.deps.Metrics != nil {
			w.deps.Metrics.WritebackRetries.Inc()
		}
		err = w.tryModify(ctx, dn, mods)
	}
	return err
}

func (w *WriteBack) tryModify(ctx context.Context, dn string, mods []dirpool.Modification) error {
	lease, err := w.deps.Pool.Get(ctx)
	if err != nil {
		return err
	}
	err = lease.Conn.Modify(ctx, dn, mods)
	lease.Release(err == nil)
	return err
}

// StoreBinder adapts *directory.Store into a dirpool.Binder, so the
// write-back component goes through the same pooled-connection,
// ldap_modify_do-shaped path a real LDAP binder would, even though the
// "directory" here is the local store.
type StoreBinder struct {
	Store directoryStore
}

// directoryStore is the subset of *directory.Store this adapter needs,
// kept as an interface to avoid writeback importing directory solely for
// its concrete type name.
type directoryStore interface {
	Get(ctx context.Context, dn string) (*entry.Entry, error)
	Add(ctx context.Context, e *entry.Entry) error
	Modify(ctx context.Context, dn string, attrs map[string][]string, classes entry.Class) error
	Delete(ctx context.Context, dn string) error
	SearchSubtree(ctx context.Context, baseDN string) ([]*entry.Entry, error)
}

func (b StoreBinder) Bind(ctx context.Context) (dirpool.Conn, error) {
	return &storeConn{store: b.Store}, nil
}

type storeConn struct {
	store directoryStore
}

func (c *storeConn) Close() error { return nil }

func (c *storeConn) Delete(ctx context.Context, dn string) error {
	return c.store.Delete(ctx, dn)
}

func (c *storeConn) Search(ctx context.Context, baseDN, _ string) ([]dirpool.SearchResult, error) {
	entries, err := c.store.SearchSubtree(ctx, baseDN)
	if err != nil {
		return nil, err
	}
	out := make([]dirpool.SearchResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, dirpool.SearchResult{DN: e.DN, ObjectCls: classNames(e.Classes), Attributes: snapshotAttrs(e)})
	}
	return out, nil
}

// Modify implements ldap_modify_do: DELETE of an attribute absent from
// the entry is silent success; ADD/REPLACE/DELETE against an entry that
// does not exist at all retries as creating a fresh idnsRecord entry
// carrying the modifications.
func (c *storeConn) Modify(ctx context.Context, dn string, mods []dirpool.Modification) error {
	e, err := c.store.Get(ctx, dn)
	if errors.Is(err, direrr.ErrNotFound) {
		return c.addFromMods(ctx, dn, mods)
	}
	if err != nil {
		return err
	}

	attrs := snapshotAttrs(e)
	for _, m := range mods {
		applyMod(attrs, m)
	}
	return c.store.Modify(ctx, dn, attrs, e.Classes)
}

func (c *storeConn) addFromMods(ctx context.Context, dn string, mods []dirpool.Modification) error {
	attrs := make(map[string][]string)
	for _, m := range mods {
		switch m.Op {
		case dirpool.ModAdd, dirpool.ModReplace:
			attrs[m.Attr] = append(attrs[m.Attr], m.Values...)
		case dirpool.ModDelete:
			// deleting from an entry that doesn't exist yet is a no-op.
		}
	}
	return c.store.Add(ctx, entry.New(dn, entry.ClassRecord, attrs))
}

func applyMod(attrs map[string][]string, m dirpool.Modification) {
	switch m.Op {
	case dirpool.ModAdd:
		attrs[m.Attr] = append(attrs[m.Attr], m.Values...)
	case dirpool.ModDelete:
		if len(m.Values) == 0 {
			delete(attrs, m.Attr)
			return
		}
		attrs[m.Attr] = removeValues(attrs[m.Attr], m.Values)
		if len(attrs[m.Attr]) == 0 {
			delete(attrs, m.Attr)
		}
	case dirpool.ModReplace:
		if len(m.Values) == 0 {
			delete(attrs, m.Attr)
			return
		}
		attrs[m.Attr] = append([]string(nil), m.Values...)
	}
}

func removeValues(existing, remove []string) []string {
	dropped := make(map[string]bool, len(remove))
	for _, v := range remove {
		dropped[v] = true
	}
	out := make([]string, 0, len(existing))
	for _, v := range existing {
		if !dropped[v] {
			out = append(out, v)
		}
	}
	return out
}

func snapshotAttrs(e *entry.Entry) map[string][]string {
	out := make(map[string][]string)
	for _, name := range e.Names() {
		out[name] = append([]string(nil), e.Attr(name)...)
	}
	return out
}

func classNames(c entry.Class) []string {
	var out []string
	if c.Has(entry.ClassConfig) {
		out = append(out, "idnsconfigobject")
	}
	if c.Has(entry.ClassMasterZone) {
		out = append(out, "idnszone")
	}
	if c.Has(entry.ClassForwardZone) {
		out = append(out, "idnsforwardzone")
	}
	if c.Has(entry.ClassRecord) {
		out = append(out, "idnsrecord")
	}
	return out
}
