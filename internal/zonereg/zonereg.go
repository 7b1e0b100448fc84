// Package zonereg implements the Zone Register (spec component C): the
// map from a zone origin to its settings layer, DN, and database handles,
// plus longest-match lookup for any name below a registered origin.
package zonereg

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/ldapdns/zonesync/internal/settings"
	"github.com/ldapdns/zonesync/internal/zonedb"
	"github.com/miekg/dns"
)

// ZoneKind distinguishes a master zone (synced from directory RRs) from a
// forward zone (handled by fwdreg instead, but classified here too since
// both share the origin namespace and must not collide).
type ZoneKind int

const (
	KindMaster ZoneKind = iota
	KindForward
)

// Info is everything the register tracks for one zone origin.
type Info struct {
	Origin   string
	DN       string
	Kind     ZoneKind
	DB       *zonedb.DB
	Settings *settings.Set
	// Published gates whether the DNS-facing server may answer for this
	// zone (spec 4.I step 7: "publish the zone to the view if new and
	// initial refresh is finished"). A zone created while the sync
	// barrier is still in its Init phase is registered unpublished, so
	// the projector and record updater can keep diffing it during the
	// initial refresh without it being queryable yet; PublishAll flips
	// every such zone at once when the barrier finishes. Info is handed
	// out by GetInfo/lookup without copying, so this is an atomic.Bool
	// rather than a plain field: readers outside the register's lock
	// (dnsserver.resolve, mainly) must see the flip without a race.
	Published atomic.Bool
}

// Register is the zone-origin -> Info map with longest-suffix lookup,
// mirroring the teacher's bestZone scan but backed by an LRU result cache
// since lookups happen on every query and every sync event.
type Register struct {
	mu    sync.RWMutex
	zones map[string]*Info
	cache *lru.Cache[string, string] // query name -> matched origin
}

// New creates an empty register. cacheSize bounds the lookup cache; 0
// disables caching.
func New(cacheSize int) *Register {
	r := &Register{zones: make(map[string]*Info)}
	if cacheSize > 0 {
		c, _ := lru.New[string, string](cacheSize)
		r.cache = c
	}
	return r
}

// Add registers a new zone origin. Adding an origin that already has an
// exact match is rejected with direrr.ErrExists; registering a zone whose
// origin is a strict sub- or super-domain of an existing one is allowed
// (nested zones are a supported deployment, matching zr_add_zone's
// "partial matches mean there are also child zones" comment).
func (r *Register) Add(origin, dn string, kind ZoneKind, db *zonedb.DB, set *settings.Set, published bool) error {
	origin = dns.Fqdn(origin)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.zones[origin]; exists {
		return direrr.ErrExists
	}
	info := &Info{Origin: origin, DN: dn, Kind: kind, DB: db, Settings: set}
	info.Published.Store(published)
	r.zones[origin] = info
	r.invalidateCache()
	return nil
}

// PublishAll marks every currently registered zone Published, the way
// the sync barrier's OnFinish callback flushes every zone that was
// created during the initial refresh into the DNS-facing view at once.
func (r *Register) PublishAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.zones {
		info.Published.Store(true)
	}
}

// Delete removes a zone origin. Deleting an origin that isn't registered
// is not an error (mirrors zr_del_zone's NOTFOUND-is-success behavior).
func (r *Register) Delete(origin string) {
	origin = dns.Fqdn(origin)

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.zones, origin)
	r.invalidateCache()
}

// invalidateCache must be called under r.mu held for write whenever the
// zone set changes, since a cached match could now be stale (a more
// specific zone may have just been added, or the matched zone removed).
func (r *Register) invalidateCache() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// bestOrigin finds the registered origin that is name's longest matching
// ancestor (or name itself), using the same longest-label-count scan the
// teacher's store.bestZone uses. Caller must hold r.mu for read.
func (r *Register) bestOrigin(name string) (string, bool) {
	var best string
	var bestLabels int
	var found bool
	for origin := range r.zones {
		if !dns.IsSubDomain(origin, name) {
			continue
		}
		labels := dns.CountLabel(origin)
		if !found || labels > bestLabels {
			best, bestLabels, found = origin, labels, true
		}
	}
	return best, found
}

func (r *Register) lookup(name string) (*Info, bool) {
	name = dns.Fqdn(name)

	r.mu.RLock()
	if r.cache != nil {
		if origin, ok := r.cache.Get(name); ok {
			info, exists := r.zones[origin]
			r.mu.RUnlock()
			return info, exists
		}
	}
	origin, found := r.bestOrigin(name)
	if !found {
		r.mu.RUnlock()
		return nil, false
	}
	info := r.zones[origin]
	r.mu.RUnlock()

	if r.cache != nil {
		r.cache.Add(name, origin)
	}
	return info, true
}

// GetDBs returns the zone database covering name, its longest matching
// ancestor.
func (r *Register) GetDBs(name string) (*zonedb.DB, error) {
	info, ok := r.lookup(name)
	if !ok {
		return nil, direrr.ErrNotFound
	}
	return info.DB, nil
}

// GetDN returns the directory DN of the zone covering name.
func (r *Register) GetDN(name string) (string, error) {
	info, ok := r.lookup(name)
	if !ok {
		return "", direrr.ErrNotFound
	}
	return info.DN, nil
}

// GetSettings returns the settings layer of the zone covering name.
func (r *Register) GetSettings(name string) (*settings.Set, error) {
	info, ok := r.lookup(name)
	if !ok {
		return nil, direrr.ErrNotFound
	}
	return info.Settings, nil
}

// GetInfo returns the full Info of the zone covering name.
func (r *Register) GetInfo(name string) (*Info, error) {
	info, ok := r.lookup(name)
	if !ok {
		return nil, direrr.ErrNotFound
	}
	return info, nil
}

// ZoneDN implements dnsname.ZoneLookup: the origin and DN of the deepest
// registered zone at or above name (longest match), used by name_to_dn to
// anchor an owner name under its zone.
func (r *Register) ZoneDN(name string) (origin, dn string, ok bool) {
	info, found := r.lookup(name)
	if !found {
		return "", "", false
	}
	return info.Origin, info.DN, true
}

// Iterate calls fn for every registered zone, in no particular order,
// stopping early if fn returns false. Matches the "safe to iterate but
// not to delete concurrently" contract noted in zr_destroy upstream by
// taking a read lock for the whole walk; fn must not call back into the
// register.
func (r *Register) Iterate(fn func(*Info) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.zones {
		if !fn(info) {
			return
		}
	}
}

// Len reports how many zones are registered.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.zones)
}
