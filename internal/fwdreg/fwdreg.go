// Package fwdreg implements the Forward Register (spec component D): the
// set of origins currently served as forward zones, plus the forwarder
// list and policy each carries. It is deliberately tiny compared to
// zonereg — a forward zone has no database or journal, just a policy.
package fwdreg

import (
	"sync"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/miekg/dns"
)

// Policy mirrors BIND's forward directive values.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyFirst
	PolicyOnly
)

func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "", "none":
		return PolicyNone, true
	case "first":
		return PolicyFirst, true
	case "only":
		return PolicyOnly, true
	default:
		return 0, false
	}
}

// Entry is one registered forward zone.
type Entry struct {
	Origin     string
	Policy     Policy
	Forwarders []string
}

// Register tracks the forward zones currently installed in the
// name-server view, so the Dispatcher can classify an entry with no
// objectClass (a delete event) by checking membership here first.
type Register struct {
	mu      sync.RWMutex
	origins map[string]*Entry
}

func New() *Register {
	return &Register{origins: make(map[string]*Entry)}
}

// Install adds or replaces a forward zone. policy must not be
// PolicyNone and forwarders must be non-empty — validating a disabled
// or empty policy is the caller's job (the zone projector falls back to
// master handling in that case rather than calling Install).
func (r *Register) Install(origin string, policy Policy, forwarders []string) error {
	if policy == PolicyNone || len(forwarders) == 0 {
		return direrr.ErrUnexpectedToken
	}
	origin = dns.Fqdn(origin)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[origin] = &Entry{Origin: origin, Policy: policy, Forwarders: append([]string(nil), forwarders...)}
	return nil
}

// Remove deletes a forward zone registration. Removing an origin that
// isn't registered is not an error.
func (r *Register) Remove(origin string) {
	origin = dns.Fqdn(origin)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, origin)
}

// Has reports whether origin is currently served as a forward zone
// (exact match only — forward zones do not nest).
func (r *Register) Has(origin string) bool {
	origin = dns.Fqdn(origin)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.origins[origin]
	return ok
}

// Get returns the forward-zone entry for origin.
func (r *Register) Get(origin string) (*Entry, error) {
	origin = dns.Fqdn(origin)
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.origins[origin]
	if !ok {
		return nil, direrr.ErrNotFound
	}
	return e, nil
}

// Iterate calls fn for every registered forward zone.
func (r *Register) Iterate(fn func(*Entry) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.origins {
		if !fn(e) {
			return
		}
	}
}

// Len reports how many forward zones are registered.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.origins)
}
