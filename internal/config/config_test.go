package config

import "testing"

func setRequired(t *testing.T) {
	t.Setenv("LDAP_URI", "ldap://directory.example:389")
	t.Setenv("LDAP_BASE", "cn=dns,dc=example,dc=test")
}

func TestLoadDefaultsAndFallbacks(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTH_METHOD", "")
	t.Setenv("CONNECTIONS", "")
	t.Setenv("RECONNECT_INTERVAL", "")
	t.Setenv("FAKE_MNAME", "")
	t.Setenv("HTTP_LISTEN", "")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.AuthMethod != AuthNone {
		t.Fatalf("expected default auth method none, got %q", c.AuthMethod)
	}
	if c.Connections != 2 {
		t.Fatalf("expected default connections 2, got %d", c.Connections)
	}
	if c.FakeMName != "localhost." {
		t.Fatalf("expected default fake_mname, got %q", c.FakeMName)
	}
	if c.HTTPListen != ":8080" {
		t.Fatalf("expected default HTTP listen, got %q", c.HTTPListen)
	}
}

func TestLoadRequiresURIAndBase(t *testing.T) {
	t.Setenv("LDAP_URI", "")
	t.Setenv("LDAP_BASE", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when LDAP_URI/LDAP_BASE are unset")
	}
}

func TestLoadRejectsTooFewConnections(t *testing.T) {
	setRequired(t)
	t.Setenv("CONNECTIONS", "1")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for connections < 2")
	}
}

func TestLoadRejectsUnknownAuthMethod(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTH_METHOD", "bogus")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unknown auth_method")
	}
}

func TestLoadDirectoryDefaultsFromInstanceName(t *testing.T) {
	setRequired(t)
	t.Setenv("INSTANCE_NAME", "prod")
	t.Setenv("DIRECTORY", "")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Directory != "dyndb-ldap/prod/" {
		t.Fatalf("unexpected directory path: %q", c.Directory)
	}
}
