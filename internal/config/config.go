// Package config loads server settings in four layers, later layers
// winning: built-in defaults, an optional .env file, process environment,
// then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/authcore/internal/csrf"
)

// MinSecretLength matches what the token issuer enforces.
const MinSecretLength = 32

// Config holds runtime settings for the auth server.
type Config struct {
	Port   int
	DBPath string
	AppEnv string

	JWTSecret        string
	JWTRefreshSecret string

	AccessTokenTTL         time.Duration
	RefreshTokenTTL        time.Duration
	VerificationTokenTTL   time.Duration
	VerificationClearDelay time.Duration
	ResetTokenTTL          time.Duration

	CORSOrigin       string
	CSRFExemptPaths  []string
	AllowAdminSignup bool

	RateLimitPerMinute int
	RedisAddr          string
	// TrustProxy makes the server take the client address from
	// X-Forwarded-For / X-Real-IP. Only set it behind a proxy that
	// overwrites those headers.
	TrustProxy bool

	SMTPAddr     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	PublicURL    string

	GitHubClientID     string
	GitHubClientSecret string
	GitHubCallbackURL  string
}

// LoadDefaults fills c with development defaults. The JWT secrets are left
// empty on purpose: Validate refuses to start without real ones.
func (c *Config) LoadDefaults() {
	c.Port = 8080
	c.DBPath = "data/auth.db"
	c.AppEnv = "development"
	c.AccessTokenTTL = 15 * time.Minute
	c.RefreshTokenTTL = 7 * 24 * time.Hour
	c.VerificationTokenTTL = 30 * time.Minute
	c.VerificationClearDelay = 2 * time.Minute
	c.ResetTokenTTL = time.Hour
	c.CORSOrigin = "http://localhost:3000"
	c.CSRFExemptPaths = append([]string(nil), csrf.DefaultExemptPaths...)
	c.RateLimitPerMinute = 20
	c.PublicURL = "http://localhost:8080"
}

// Production reports whether cookies must be Secure.
func (c *Config) Production() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// GitHubEnabled reports whether the OAuth routes should be registered.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubClientID != "" && c.GitHubClientSecret != ""
}

// Load builds a Config from all layers and validates it. dotenvPath may
// point at a missing file. lookup is normally os.LookupEnv.
func Load(args []string, dotenvPath string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	dotenv, err := readDotEnv(dotenvPath)
	if err != nil {
		return nil, err
	}

	// Real environment variables beat the .env file.
	layered := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(layered); err != nil {
		return nil, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	m, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return m, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
				return
			}
			*dst = b
		}
	}

	integer("PORT", &c.Port)
	str("DB_PATH", &c.DBPath)
	str("APP_ENV", &c.AppEnv)
	str("JWT_SECRET", &c.JWTSecret)
	str("JWT_REFRESH_SECRET", &c.JWTRefreshSecret)
	duration("ACCESS_TOKEN_TTL", &c.AccessTokenTTL)
	duration("REFRESH_TOKEN_TTL", &c.RefreshTokenTTL)
	duration("VERIFICATION_TOKEN_TTL", &c.VerificationTokenTTL)
	duration("VERIFICATION_CLEAR_DELAY", &c.VerificationClearDelay)
	duration("RESET_TOKEN_TTL", &c.ResetTokenTTL)
	str("CORS_ORIGIN", &c.CORSOrigin)
	if v, ok := lookup("CSRF_EXEMPT_PATHS"); ok {
		c.CSRFExemptPaths = splitList(v)
	}
	boolean("ALLOW_ADMIN_SIGNUP", &c.AllowAdminSignup)
	integer("RATE_LIMIT_PER_MINUTE", &c.RateLimitPerMinute)
	str("REDIS_ADDR", &c.RedisAddr)
	boolean("TRUST_PROXY", &c.TrustProxy)
	str("SMTP_ADDR", &c.SMTPAddr)
	str("SMTP_FROM", &c.SMTPFrom)
	str("SMTP_USERNAME", &c.SMTPUsername)
	str("SMTP_PASSWORD", &c.SMTPPassword)
	str("PUBLIC_URL", &c.PublicURL)
	str("GITHUB_CLIENT_ID", &c.GitHubClientID)
	str("GITHUB_CLIENT_SECRET", &c.GitHubClientSecret)
	str("GITHUB_CALLBACK_URL", &c.GitHubCallbackURL)

	return errors.Join(errs...)
}

// parseFlags overlays the handful of settings worth changing per run.
func (c *Config) parseFlags(args []string) error {
	fs := flag.NewFlagSet("authcore", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.IntVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite database path (or :memory:)")
	fs.StringVar(&c.AppEnv, "env", c.AppEnv, "environment name; production enables Secure cookies")
	fs.StringVar(&c.CORSOrigin, "cors-origin", c.CORSOrigin, "the single allowed CORS origin")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for shared rate limiting")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: parsing flags: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("config: DB_PATH is required"))
	}
	if len(c.JWTSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("config: JWT_SECRET must be at least %d characters", MinSecretLength))
	}
	if len(c.JWTRefreshSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("config: JWT_REFRESH_SECRET must be at least %d characters", MinSecretLength))
	}
	if c.JWTSecret != "" && c.JWTSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("config: JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}

	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":         c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL":        c.RefreshTokenTTL,
		"VERIFICATION_TOKEN_TTL":   c.VerificationTokenTTL,
		"VERIFICATION_CLEAR_DELAY": c.VerificationClearDelay,
		"RESET_TOKEN_TTL":          c.ResetTokenTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}

	if c.CORSOrigin == "" || c.CORSOrigin == "*" || strings.Contains(c.CORSOrigin, ",") {
		errs = append(errs, errors.New("config: CORS_ORIGIN must be exactly one origin"))
	} else if u, err := url.Parse(c.CORSOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("config: CORS_ORIGIN %q is not an origin", c.CORSOrigin))
	}

	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("config: RATE_LIMIT_PER_MINUTE must be positive"))
	}
	if c.SMTPAddr != "" && c.SMTPFrom == "" {
		errs = append(errs, errors.New("config: SMTP_FROM is required when SMTP_ADDR is set"))
	}
	if (c.GitHubClientID == "") != (c.GitHubClientSecret == "") {
		errs = append(errs, errors.New("config: set both GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET, or neither"))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
