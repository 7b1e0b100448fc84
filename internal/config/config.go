// Package config loads the instance configuration (spec section 6
// "Configuration inputs") from the environment, in the same
// envOrDefault* style the rest of this module's ecosystem uses for
// config loading.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMethod selects how the connection pool binds to the directory.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthSimple AuthMethod = "simple"
	AuthSASL   AuthMethod = "sasl"
)

// Config is the full set of instance configuration inputs.
type Config struct {
	URI               string
	Base              string
	Connections       int
	ReconnectInterval time.Duration
	Timeout           time.Duration
	AuthMethod        AuthMethod
	BindDN            string
	Password          string
	SASLMech          string
	SASLUser          string
	SASLAuthName      string
	SASLRealm         string
	SASLPassword      string
	Krb5Principal     string
	Krb5Keytab        string
	FakeMName         string
	LDAPHostname      string
	SyncPTR           bool
	DynUpdate         bool
	VerboseChecks     bool
	Directory         string

	// Ambient: not part of the bind-dyndb-ldap key set, but required by
	// this module's directory/journal/HTTP/DNS/metrics stack.
	InstanceName  string
	DBPath        string
	MigrationsDir string
	JournalPath   string
	HTTPListen    string
	DNSUDPListen  string
	DNSTCPListen  string
	APIToken      string
	DebugLog      bool
	MetricsListen string
}

// Load reads configuration from the environment, applying the same
// defaults bind-dyndb-ldap documents for its key set, plus this module's
// own ambient defaults.
func Load() (Config, error) {
	instanceName := envOrDefault("INSTANCE_NAME", "default")

	directory := envOrDefault("DIRECTORY", fmt.Sprintf("dyndb-ldap/%s/", instanceName))

	authMethod := AuthMethod(envOrDefault("AUTH_METHOD", string(AuthNone)))
	switch authMethod {
	case AuthNone, AuthSimple, AuthSASL:
	default:
		return Config{}, fmt.Errorf("config: invalid auth_method %q", authMethod)
	}

	connections := envOrDefaultInt("CONNECTIONS", 2)
	if connections < 2 {
		return Config{}, fmt.Errorf("config: connections must be >= 2, got %d", connections)
	}

	apiToken := strings.TrimSpace(os.Getenv("API_TOKEN"))
	if apiToken == "" {
		log.Printf("warning: API_TOKEN is empty, operator API is open")
	}

	uri := strings.TrimSpace(os.Getenv("LDAP_URI"))
	if uri == "" {
		return Config{}, fmt.Errorf("config: LDAP_URI is required")
	}
	base := strings.TrimSpace(os.Getenv("LDAP_BASE"))
	if base == "" {
		return Config{}, fmt.Errorf("config: LDAP_BASE is required")
	}

	c := Config{
		URI:               uri,
		Base:              base,
		Connections:       connections,
		ReconnectInterval: envOrDefaultSeconds("RECONNECT_INTERVAL", 60),
		Timeout:           envOrDefaultSeconds("TIMEOUT", 30),
		AuthMethod:        authMethod,
		BindDN:            os.Getenv("BIND_DN"),
		Password:          os.Getenv("BIND_PASSWORD"),
		SASLMech:          os.Getenv("SASL_MECH"),
		SASLUser:          os.Getenv("SASL_USER"),
		SASLAuthName:      os.Getenv("SASL_AUTH_NAME"),
		SASLRealm:         os.Getenv("SASL_REALM"),
		SASLPassword:      os.Getenv("SASL_PASSWORD"),
		Krb5Principal:     os.Getenv("KRB5_PRINCIPAL"),
		Krb5Keytab:        os.Getenv("KRB5_KEYTAB"),
		FakeMName:         envOrDefault("FAKE_MNAME", "localhost."),
		LDAPHostname:      os.Getenv("LDAP_HOSTNAME"),
		SyncPTR:           envOrDefaultBool("SYNC_PTR", false),
		DynUpdate:         envOrDefaultBool("DYN_UPDATE", false),
		VerboseChecks:     envOrDefaultBool("VERBOSE_CHECKS", false),
		Directory:         directory,

		InstanceName:  instanceName,
		DBPath:        envOrDefault("DB_PATH", directory+"directory.db"),
		MigrationsDir: envOrDefault("MIGRATIONS_DIR", "migrations"),
		JournalPath:   envOrDefault("JOURNAL_PATH", directory+"journal.db"),
		HTTPListen:    envOrDefault("HTTP_LISTEN", ":8080"),
		DNSUDPListen:  envOrDefault("DNS_UDP_LISTEN", ":53"),
		DNSTCPListen:  envOrDefault("DNS_TCP_LISTEN", ":53"),
		APIToken:      apiToken,
		DebugLog:      envOrDefaultBool("DEBUG_LOG", false),
		MetricsListen: envOrDefault("METRICS_LISTEN", ":9153"),
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envOrDefaultInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDefaultSeconds(key string, fallbackSeconds int) time.Duration {
	n := envOrDefaultInt(key, fallbackSeconds)
	return time.Duration(n) * time.Second
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
