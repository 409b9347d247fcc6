package config // package config loads application configuration from environment variables

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env    string // application environment (e.g. "dev", "prod")
	Port   string // HTTP port to listen on
	DBUser string
	DBPass string // may be empty
	DBHost string
	DBPort string
	DBName string

	JWTSecret      string        // HS256 signing secret, at least 32 bytes
	AccessTTL      time.Duration // access token lifetime
	RefreshTTLDays int           // refresh token lifetime in days
	BcryptCost     int

	SingleSession      bool     // opening a session closes the identity's others
	RevokeOnRoleChange bool     // role changes end every session of the identity
	AllowSignup        bool     // expose self-service registration
	DefaultRoles       []string // roles granted on registration

	LoginMaxFailures   int           // failed logins before an automatic block; 0 disables
	LoginFailureWindow time.Duration // window failures are counted in
	AutoBlockTTL       time.Duration // lifetime of automatic blocks

	Domains    []Domain // protected domains and the roles they accept
	TOTPIssuer string

	EventWriteTimeout time.Duration // bound on a single audit write

	RabbitURL      string // empty disables notifications
	NotifyConsumer bool   // run the notification consumer in-process
	NotifyLogPath  string // where the consumer appends notifications
	NotifyBuffer   int    // notifications allowed to wait for the publisher

	TrustedProxies []*net.IPNet // peers whose X-Forwarded-For is honored; empty trusts none
}

// Domain is a protected area of the platform and the roles it admits.
type Domain struct {
	Name  string
	Roles []string
}

// RefreshTTL returns the refresh token lifetime.
func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

// Load reads an optional .env file, then configuration from the
// environment. Missing required variables and malformed values are fatal.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: .env not loaded: %v", err)
	}
	domains, err := ParseDomains(os.Getenv("DOMAIN_ROLES"))
	if err != nil {
		log.Fatalf("invalid DOMAIN_ROLES: %v", err)
	}
	proxies, err := ParseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		log.Fatalf("invalid TRUSTED_PROXIES: %v", err)
	}
	cfg := Config{
		Env:    must("APP_ENV"),
		Port:   must("APP_PORT"),
		DBUser: must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: must("DB_HOST"),
		DBPort: must("DB_PORT"),
		DBName: must("DB_NAME"),

		JWTSecret:      must("JWT_SECRET"),
		AccessTTL:      envDur("ACCESS_TOKEN_TTL", 2*time.Hour),
		RefreshTTLDays: envInt("REFRESH_TOKEN_TTL_DAYS", 14),
		BcryptCost:     envInt("BCRYPT_COST", 12),

		SingleSession:      envBool("SINGLE_SESSION", false),
		RevokeOnRoleChange: envBool("REVOKE_ON_ROLE_CHANGE", false),
		AllowSignup:        envBool("ALLOW_SIGNUP", true),
		DefaultRoles:       splitList(envStr("DEFAULT_ROLES", "viewer")),

		LoginMaxFailures:   envInt("LOGIN_MAX_FAILURES", 5),
		LoginFailureWindow: envDur("LOGIN_FAILURE_WINDOW", 15*time.Minute),
		AutoBlockTTL:       envDur("AUTO_BLOCK_TTL", 30*time.Minute),

		Domains:    domains,
		TOTPIssuer: envStr("TOTP_ISSUER", "platform-auth"),

		EventWriteTimeout: envDur("EVENT_WRITE_TIMEOUT", 2*time.Second),

		RabbitURL:      rabbitURL(),
		NotifyConsumer: envBool("NOTIFY_CONSUMER_ENABLED", false),
		NotifyLogPath:  envStr("NOTIFY_LOG_PATH", "logs/security-notifications.log"),
		NotifyBuffer:   envInt("NOTIFY_BUFFER", 256),

		TrustedProxies: proxies,
	}
	if cfg.RefreshTTLDays < 1 {
		log.Fatalf("REFRESH_TOKEN_TTL_DAYS must be positive, got %d", cfg.RefreshTTLDays)
	}
	if cfg.AccessTTL <= 0 {
		log.Fatalf("ACCESS_TOKEN_TTL must be positive, got %s", cfg.AccessTTL)
	}
	return cfg
}

// reservedDomains are path segments under /v1 that the platform itself owns.
var reservedDomains = map[string]bool{"auth": true, "admin": true, "me": true, "logout": true}

// ParseDomains parses "name=role,role;name=role" into domains. Names and
// roles are trimmed and lower-cased; every domain needs at least one role.
func ParseDomains(raw string) ([]Domain, error) {
	var out []Domain
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, roles, ok := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" {
			return nil, fmt.Errorf("entry %q: want name=role[,role]", part)
		}
		if reservedDomains[name] {
			return nil, fmt.Errorf("domain %q is reserved", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("domain %q declared twice", name)
		}
		list := splitList(roles)
		if len(list) == 0 {
			return nil, fmt.Errorf("domain %q has no roles", name)
		}
		seen[name] = true
		out = append(out, Domain{Name: name, Roles: list})
	}
	return out, nil
}

// ParseTrustedProxies parses a comma separated list of CIDRs or bare
// addresses. A bare address is a single-host range.
func ParseTrustedProxies(raw string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("proxy %q is not an address", p)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func rabbitURL() string {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		return v
	}
	return os.Getenv("AMQP_URL")
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
