package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	BaseURL            string        `mapstructure:"BASE_URL"`
	ClientID           string        `mapstructure:"CLIENT_ID"`
	ClientSecret       string        `mapstructure:"CLIENT_SECRET"`
	RedirectPath       string        `mapstructure:"REDIRECT_PATH"`
	PostLoginPath      string        `mapstructure:"POST_LOGIN_PATH"`
	Scopes             []string      `mapstructure:"SCOPES"`
	DefaultFHIRBaseURL string        `mapstructure:"DEFAULT_FHIR_BASE_URL"`
	AllowHTTPIssuer    bool          `mapstructure:"ALLOW_HTTP_ISSUER"`
	PKCEMode           string        `mapstructure:"PKCE_MODE"`
	DiscoveryTTL       time.Duration `mapstructure:"DISCOVERY_TTL"`
	DiscoveryTimeout   time.Duration `mapstructure:"DISCOVERY_TIMEOUT"`
	TokenTimeout       time.Duration `mapstructure:"TOKEN_TIMEOUT"`
	StateTTL           time.Duration `mapstructure:"STATE_TTL"`
	TokenSkew          time.Duration `mapstructure:"TOKEN_SKEW"`
	SessionTTL         time.Duration `mapstructure:"SESSION_TTL"`
	SessionBackend     string        `mapstructure:"SESSION_BACKEND"`
	StateBackend       string        `mapstructure:"STATE_BACKEND"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

// PKCE_MODE values.
const (
	PKCEAuto     = "auto"     // use PKCE when the server advertises S256
	PKCEAlways   = "always"   // send a challenge regardless of advertisement
	PKCEDisabled = "disabled" // never send a challenge
)

// Store backend values for SESSION_BACKEND and STATE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("REDIRECT_PATH", "/callback")
	v.SetDefault("POST_LOGIN_PATH", "/")
	v.SetDefault("PKCE_MODE", PKCEAuto)
	v.SetDefault("DISCOVERY_TTL", "1h")
	v.SetDefault("DISCOVERY_TIMEOUT", "10s")
	v.SetDefault("TOKEN_TIMEOUT", "10s")
	v.SetDefault("STATE_TTL", "10m")
	v.SetDefault("TOKEN_SKEW", "30s")
	v.SetDefault("SESSION_TTL", "8h")
	v.SetDefault("SESSION_BACKEND", BackendMemory)
	v.SetDefault("STATE_BACKEND", BackendMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("BASE_URL")
	v.BindEnv("CLIENT_ID")
	v.BindEnv("CLIENT_SECRET")
	v.BindEnv("REDIRECT_PATH")
	v.BindEnv("POST_LOGIN_PATH")
	v.BindEnv("SCOPES")
	v.BindEnv("DEFAULT_FHIR_BASE_URL")
	v.BindEnv("ALLOW_HTTP_ISSUER")
	v.BindEnv("PKCE_MODE")
	v.BindEnv("DISCOVERY_TTL")
	v.BindEnv("DISCOVERY_TIMEOUT")
	v.BindEnv("TOKEN_TIMEOUT")
	v.BindEnv("STATE_TTL")
	v.BindEnv("TOKEN_SKEW")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("SESSION_BACKEND")
	v.BindEnv("STATE_BACKEND")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("REQUEST_TIMEOUT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one delimited string; the slice hook splits on
	// commas but keeps surrounding whitespace, and scopes may equally be
	// space-separated.
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.Scopes = splitList(cfg.Scopes)

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Plain-HTTP FHIR issuers are accepted when ALLOW_HTTP_ISSUER")
		log.Println("WARNING: is set, and session cookies are sent without the Secure flag.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList re-splits decoded list values on commas and whitespace and trims
// every element.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		out = append(out, strings.Fields(strings.ReplaceAll(v, ",", " "))...)
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RedirectURI returns the absolute OAuth redirect URI registered for this
// client: BASE_URL joined with REDIRECT_PATH. The exact same string is used
// when building the authorization request and when exchanging the code, so
// the two always match byte for byte.
func (c *Config) RedirectURI() string {
	base := strings.TrimRight(c.BaseURL, "/")
	path := c.RedirectPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Validate checks that the configuration is safe to run. Production refuses
// to start with plain-HTTP issuers enabled, without a registered CLIENT_ID,
// or with a non-HTTPS BASE_URL. Store backends must have their connection
// URLs configured.
func (c *Config) Validate() error {
	switch c.PKCEMode {
	case PKCEAuto, PKCEAlways, PKCEDisabled:
	default:
		return fmt.Errorf("PKCE_MODE must be %q, %q, or %q, got %q", PKCEAuto, PKCEAlways, PKCEDisabled, c.PKCEMode)
	}

	for name, backend := range map[string]string{"SESSION_BACKEND": c.SessionBackend, "STATE_BACKEND": c.StateBackend} {
		switch backend {
		case BackendMemory, BackendPostgres, BackendRedis:
		default:
			return fmt.Errorf("%s must be %q, %q, or %q, got %q", name, BackendMemory, BackendPostgres, BackendRedis, backend)
		}
	}
	if (c.SessionBackend == BackendPostgres || c.StateBackend == BackendPostgres) && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when SESSION_BACKEND or STATE_BACKEND is %q", BackendPostgres)
	}
	if (c.SessionBackend == BackendRedis || c.StateBackend == BackendRedis) && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when SESSION_BACKEND or STATE_BACKEND is %q", BackendRedis)
	}

	base, err := url.Parse(c.BaseURL)
	if err != nil || !base.IsAbs() {
		return fmt.Errorf("BASE_URL must be an absolute URL, got %q", c.BaseURL)
	}

	if c.IsProduction() {
		if c.ClientID == "" {
			return fmt.Errorf("CLIENT_ID is required in production. " +
				"Refusing to start without a registered SMART client identifier")
		}
		if c.AllowHTTPIssuer {
			return fmt.Errorf("ALLOW_HTTP_ISSUER must not be set in production. " +
				"Refusing to start with plain-HTTP FHIR issuers enabled")
		}
		if base.Scheme != "https" {
			return fmt.Errorf("BASE_URL must use https in production, got %q", c.BaseURL)
		}
		if c.SessionBackend == BackendMemory {
			return fmt.Errorf("SESSION_BACKEND=%q loses every session on restart; use %q or %q in production",
				BackendMemory, BackendPostgres, BackendRedis)
		}
	}

	if c.StateTTL <= 0 {
		return fmt.Errorf("STATE_TTL must be positive, got %s", c.StateTTL)
	}
	if c.TokenSkew < 0 {
		return fmt.Errorf("TOKEN_SKEW must not be negative, got %s", c.TokenSkew)
	}

	return nil
}
