package acl

import (
	"net"
	"testing"
)

func TestEvaluateAnyAllowsEverything(t *testing.T) {
	if !Evaluate("any", net.ParseIP("203.0.113.9")) {
		t.Fatalf("expected any to allow an arbitrary address")
	}
}

func TestEvaluateNoneDeniesEverything(t *testing.T) {
	if Evaluate("none", net.ParseIP("203.0.113.9")) {
		t.Fatalf("expected none to deny an arbitrary address")
	}
}

func TestEvaluateEmptyPolicyDenies(t *testing.T) {
	if Evaluate("", net.ParseIP("203.0.113.9")) {
		t.Fatalf("expected an empty policy to deny by default")
	}
}

func TestEvaluateCIDRMatch(t *testing.T) {
	if !Evaluate("10.0.0.0/8", net.ParseIP("10.1.2.3")) {
		t.Fatalf("expected 10.1.2.3 to match 10.0.0.0/8")
	}
	if Evaluate("10.0.0.0/8", net.ParseIP("192.0.2.1")) {
		t.Fatalf("expected 192.0.2.1 to not match 10.0.0.0/8")
	}
}

func TestEvaluateExactAddressMatch(t *testing.T) {
	if !Evaluate("192.0.2.53", net.ParseIP("192.0.2.53")) {
		t.Fatalf("expected exact address match")
	}
	if Evaluate("192.0.2.53", net.ParseIP("192.0.2.54")) {
		t.Fatalf("expected non-matching address to be denied")
	}
}

func TestEvaluateNegationDeniesFirstMatch(t *testing.T) {
	policy := "!192.0.2.53;10.0.0.0/8"
	if Evaluate(policy, net.ParseIP("192.0.2.53")) {
		t.Fatalf("expected negated token to deny its address even though a later token would match a wider range")
	}
	if !Evaluate(policy, net.ParseIP("10.1.1.1")) {
		t.Fatalf("expected the later CIDR token to still allow other addresses")
	}
}

func TestEvaluateNoMatchingTokenDenies(t *testing.T) {
	if Evaluate("192.0.2.53;10.0.0.0/8", net.ParseIP("203.0.113.9")) {
		t.Fatalf("expected an address matching no token to be denied")
	}
}
