// Package acl evaluates the semicolon-joined allow_query/allow_transfer
// policy strings the zone projector installs (spec 4.I step 6) against a
// querying client's address, the way BIND's own address-match-list
// evaluator walks an ACL in declaration order.
package acl

import (
	"net"
	"strings"
)

// Evaluate reports whether ip is permitted by policy. An empty policy
// denies everything (the most-restrictive fallback installACL installs
// on a parse failure, and the safe default for an unset ACL). "any"
// matches every address; "none" matches none. Any other token is an IP
// address or CIDR, optionally prefixed with "!" to negate it; tokens are
// evaluated in order and the first match wins, mirroring BIND's
// address-match-list semantics. No token matching denies by default.
func Evaluate(policy string, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, tok := range strings.Fields(strings.ReplaceAll(policy, ";", " ")) {
		negate := strings.HasPrefix(tok, "!")
		tok = strings.TrimPrefix(tok, "!")

		switch {
		case tok == "any":
			return !negate
		case tok == "none":
			if !negate {
				return false
			}
			continue
		case matches(tok, ip):
			return !negate
		}
	}
	return false
}

func matches(tok string, ip net.IP) bool {
	if strings.Contains(tok, "/") {
		_, cidr, err := net.ParseCIDR(tok)
		if err != nil {
			return false
		}
		return cidr.Contains(ip)
	}
	addr := net.ParseIP(tok)
	return addr != nil && addr.Equal(ip)
}
