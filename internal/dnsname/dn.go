// Package dnsname implements the bidirectional, security-sensitive mapping
// between DNS names and directory DN components (spec component A).
package dnsname

import (
	"fmt"
	"strings"

	"github.com/ldapdns/zonesync/internal/direrr"
	"github.com/miekg/dns"
)

// rdnComponent is one attribute=value pair of a single RDN.
type rdnComponent struct {
	attr  string
	value string
}

// splitDN splits a DN string into its RDN components, in order, without
// unescaping anything. It rejects multi-valued RDNs (an unescaped '+'
// inside one component) by returning an error for that component; the
// caller decides what to do with it.
//
// This is a purpose-built parser for directory DNs shaped like
// "idnsName=<escaped>, idnsName=<escaped>, <base suffix...>" — not a
// general RFC 4514 parser.
func splitDN(dn string) ([][]rdnComponent, error) {
	var components [][]rdnComponent
	var cur []rune
	var avas []rdnComponent
	escaped := false

	flushAVA := func() error {
		s := strings.TrimSpace(string(cur))
		cur = cur[:0]
		if s == "" {
			return nil
		}
		eq := indexUnescapedEqual(s)
		if eq < 0 {
			return fmt.Errorf("malformed RDN component %q", s)
		}
		avas = append(avas, rdnComponent{
			attr:  strings.TrimSpace(s[:eq]),
			value: strings.TrimSpace(s[eq+1:]),
		})
		return nil
	}

	flushRDN := func() error {
		if err := flushAVA(); err != nil {
			return err
		}
		if len(avas) > 0 {
			components = append(components, avas)
		}
		avas = nil
		return nil
	}

	for _, r := range dn {
		switch {
		case escaped:
			cur = append(cur, r)
			escaped = false
		case r == '\\':
			cur = append(cur, r)
			escaped = true
		case r == '+':
			if err := flushAVA(); err != nil {
				return nil, err
			}
		case r == ',':
			if err := flushRDN(); err != nil {
				return nil, err
			}
		default:
			cur = append(cur, r)
		}
	}
	if err := flushRDN(); err != nil {
		return nil, err
	}
	return components, nil
}

func indexUnescapedEqual(s string) int {
	escaped := false
	for i, r := range s {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if r == '=' {
			return i
		}
	}
	return -1
}

const idnsNameAttr = "idnsname"

// FromDN parses a directory DN into (owner, origin) absolute DNS names.
//
// Zero idnsName components before the base suffix means a config entry:
// the caller should check for this case (Len==2 components total is not
// reached) before calling FromDN, via IsConfigDN.
//
// One idnsName component is a zone origin: owner == origin == root-rooted
// escaped value.
//
// Two idnsName components are owner (inner, index 0) and zone (outer,
// index 1); the owner must be a strict subdomain of the zone, never equal
// to it (that is the apex, denoted by the one-component form).
func FromDN(dn string) (owner, origin string, err error) {
	rdns, err := splitDN(dn)
	if err != nil {
		return "", "", fmt.Errorf("parsing DN %q: %w", dn, err)
	}

	var idnsValues []string
	for _, rdn := range rdns {
		if len(rdn) != 1 {
			return "", "", fmt.Errorf("multi-valued RDN in %q: %w", dn, direrr.ErrNotImplemented)
		}
		ava := rdn[0]
		if !strings.EqualFold(ava.attr, idnsNameAttr) {
			break
		}
		idnsValues = append(idnsValues, ava.value)
		if len(idnsValues) == 2 {
			break
		}
	}

	switch len(idnsValues) {
	case 0:
		return "", "", fmt.Errorf("no idnsName component in DN %q: %w", dn, direrr.ErrNotFound)
	case 1:
		name, err := escapedLabelsToName(idnsValues[0], ".")
		if err != nil {
			return "", "", err
		}
		return name, name, nil
	case 2:
		zoneName, err := escapedLabelsToName(idnsValues[1], ".")
		if err != nil {
			return "", "", err
		}
		ownerName, err := escapedLabelsToName(idnsValues[0], zoneName)
		if err != nil {
			return "", "", err
		}
		if !dns.IsSubDomain(zoneName, ownerName) {
			return "", "", fmt.Errorf("owner %q is not a subdomain of zone %q: %w", ownerName, zoneName, direrr.ErrBadOwnerName)
		}
		if strings.EqualFold(ownerName, zoneName) {
			return "", "", fmt.Errorf("owner %q equals zone apex %q: %w", ownerName, zoneName, direrr.ErrBadOwnerName)
		}
		return ownerName, zoneName, nil
	default:
		return "", "", fmt.Errorf("too many idnsName components in DN %q: %w", dn, direrr.ErrNotImplemented)
	}
}

// escapedLabelsToName unescapes a directory-escaped idnsName value back to
// master-file text, then anchors it under origin (which must already be an
// absolute, trailing-dot name, or "." for the DNS root) to produce an
// absolute name.
func escapedLabelsToName(escapedValue, origin string) (string, error) {
	unescaped, err := UnescapeFromDirectory(escapedValue)
	if err != nil {
		return "", err
	}
	if origin == "." || dns.Fqdn(unescaped) == "." {
		return dns.Fqdn(unescaped), nil
	}
	if strings.HasSuffix(unescaped, ".") {
		// unescaped is already absolute on its own (rare, but legal
		// master-file text); anchoring would be wrong, so trust it.
		return unescaped, nil
	}
	return dns.Fqdn(unescaped + "." + strings.TrimSuffix(origin, ".")), nil
}

// IsConfigDN reports whether dn equals base (case-insensitively, ignoring
// surrounding whitespace around each RDN), i.e. it carries zero idnsName
// components.
func IsConfigDN(dn, base string) bool {
	return canonicalizeDN(dn) == canonicalizeDN(base)
}

func canonicalizeDN(dn string) string {
	rdns, err := splitDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		avas := make([]string, 0, len(rdn))
		for _, ava := range rdn {
			avas = append(avas, strings.ToLower(ava.attr)+"="+strings.ToLower(ava.value))
		}
		parts = append(parts, strings.Join(avas, "+"))
	}
	return strings.Join(parts, ",")
}

// ZoneDN locates the DN of the registered zone that is the deepest
// ancestor of name, given its origin and the directory's base suffix and
// the zone's own DN (owning DN), per the Zone Register's get_dn contract.
// ToDN uses this to build the idnsName=... prefix.
type ZoneLookup interface {
	// ZoneDN returns (zoneOrigin, zoneDN, ok) for the deepest registered
	// ancestor zone of name.
	ZoneDN(name string) (origin, dn string, ok bool)
}

// ToDN renders the DN for an absolute DNS name, given a register capable
// of finding the deepest enclosing zone. If name equals a registered
// zone's origin, the result is just that zone's DN.
func ToDN(zones ZoneLookup, name string) (string, error) {
	origin, zoneDN, ok := zones.ZoneDN(name)
	if !ok {
		return "", fmt.Errorf("no registered zone covers %q: %w", name, direrr.ErrNotFound)
	}

	if strings.EqualFold(name, origin) {
		return zoneDN, nil
	}

	aboveLabels, err := labelsAbove(name, origin)
	if err != nil {
		return "", err
	}

	masterText := strings.Join(aboveLabels, ".")
	escaped, err := EscapeToDirectory(masterText)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("idnsName=%s, %s", escaped, zoneDN), nil
}

// labelsAbove returns the labels of name above origin, in master-file
// text form (escaped per RFC 1035 \DDD / \X rules as miekg/dns renders
// them), most-significant label last dropped (origin itself excluded).
func labelsAbove(name, origin string) ([]string, error) {
	if !dns.IsSubDomain(origin, name) {
		return nil, fmt.Errorf("name %q is not inside zone %q: %w", name, origin, direrr.ErrBadOwnerName)
	}
	nameLabels := dns.SplitDomainName(name)
	originLabels := dns.SplitDomainName(origin)
	above := len(nameLabels) - len(originLabels)
	if above <= 0 {
		return nil, nil
	}
	return nameLabels[:above], nil
}
