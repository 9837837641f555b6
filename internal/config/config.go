// Package config handles creditd configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level creditd configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Credits   CreditsConfig   `json:"credits"`
	Plans     []PlanConfig    `json:"plans,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	PayOS     PayOSConfig     `json:"payos,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider                string        `json:"provider,omitempty"` // "builtin" (default), "firebase" or "jwks"
	JWTSecret               string        `json:"jwt_secret,omitempty"`
	JWTExpiry               Duration      `json:"jwt_expiry,omitempty"`
	JWKSIssuer              string        `json:"jwks_issuer,omitempty"` // e.g. "https://issuer.example.com"
	FirebaseProjectID       string        `json:"firebase_project_id,omitempty"`
	FirebaseCredentialsFile string        `json:"firebase_credentials_file,omitempty"`
	InitialAdmin            *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver            string   `json:"driver"`             // "sqlite" (default), "postgres", "firestore", "mongo"
	DSN               string   `json:"dsn"`                // sqlite path, postgres DSN or mongo URI
	Database          string   `json:"database,omitempty"` // mongo database / firestore database name
	ProjectID         string   `json:"project_id,omitempty"`
	CredentialsFile   string   `json:"credentials_file,omitempty"`
	ActivityRetention Duration `json:"activity_retention,omitempty"`
}

// CreditsConfig defines the credit ledger settings.
type CreditsConfig struct {
	InitialCredits int64            `json:"initial_credits,omitempty"` // credits granted to a new account; default 20
	DefaultPlan    string           `json:"default_plan,omitempty"`    // plan assigned to a new account; default "free"
	DefaultCost    int64            `json:"default_cost,omitempty"`    // default 1
	Costs          map[string]int64 `json:"costs,omitempty"`           // operation -> credits
}

// PlanConfig describes a purchasable plan.
type PlanConfig struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Price    int64    `json:"price"`   // VND
	Credits  int64    `json:"credits"` // balance after upgrade
	Duration Duration `json:"duration,omitempty"`
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	Backend       string   `json:"backend,omitempty"` // "memory" (default) or "redis"
	Limit         int      `json:"limit,omitempty"`   // paid operations per window; default 10
	Window        Duration `json:"window,omitempty"`  // default 1m
	IPLimit       int      `json:"ip_limit,omitempty"`
	IPWindow      Duration `json:"ip_window,omitempty"`
	RedisAddr     string   `json:"redis_addr,omitempty"`
	RedisPassword string   `json:"redis_password,omitempty"`
	RedisDB       int      `json:"redis_db,omitempty"`
	RedisPrefix   string   `json:"redis_prefix,omitempty"` // key prefix; default "creditd:ratelimit:"
}

// PayOSConfig defines the PayOS gateway settings. Disabled by default.
type PayOSConfig struct {
	Enabled     bool     `json:"enabled,omitempty"`
	ClientID    string   `json:"client_id,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	ChecksumKey string   `json:"checksum_key,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"` // default https://api-merchant.payos.vn
	ReturnURL   string   `json:"return_url,omitempty"`
	CancelURL   string   `json:"cancel_url,omitempty"`
	Timeout     Duration `json:"timeout,omitempty"`
	LinkTTL     Duration `json:"link_ttl,omitempty"` // payment link lifetime; 0 leaves the PayOS default

	// Pending payments older than ReconcileAfter are polled every
	// ReconcileInterval in case their webhook was lost.
	ReconcileInterval Duration `json:"reconcile_interval,omitempty"` // default 5m
	ReconcileAfter    Duration `json:"reconcile_after,omitempty"`    // default 15m
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool   `json:"disabled,omitempty"`
	Path     string `json:"path,omitempty"` // default "/metrics"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Values from the environment
// (and a .env file in the working directory, if present) override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("CREDITD_ADDR", &c.Server.Addr)
	setString("CREDITD_JWT_SECRET", &c.Auth.JWTSecret)
	setString("CREDITD_STORAGE_DRIVER", &c.Storage.Driver)
	setString("CREDITD_STORAGE_DSN", &c.Storage.DSN)
	setString("CREDITD_REDIS_ADDR", &c.RateLimit.RedisAddr)
	setString("CREDITD_REDIS_PASSWORD", &c.RateLimit.RedisPassword)
	setString("CREDITD_PAYOS_CLIENT_ID", &c.PayOS.ClientID)
	setString("CREDITD_PAYOS_API_KEY", &c.PayOS.APIKey)
	setString("CREDITD_PAYOS_CHECKSUM_KEY", &c.PayOS.ChecksumKey)

	if v := os.Getenv("CREDITD_PAYOS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CREDITD_PAYOS_ENABLED: %w", err)
		}
		c.PayOS.Enabled = enabled
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSIssuer == "" {
			return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
		}
	case "firebase":
	default:
		return fmt.Errorf("unknown auth.provider %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}

	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	case "mongo":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the mongo driver")
		}
	case "firestore":
		if c.Storage.ProjectID == "" {
			return fmt.Errorf("storage.project_id is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}

	if c.Credits.InitialCredits < 0 {
		return fmt.Errorf("credits.initial_credits must not be negative")
	}
	if c.Credits.DefaultCost < 0 {
		return fmt.Errorf("credits.default_cost must not be negative")
	}
	for op, cost := range c.Credits.Costs {
		if cost <= 0 {
			return fmt.Errorf("credits.costs[%q] must be positive", op)
		}
	}

	seen := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		if p.ID == "" {
			return fmt.Errorf("plans[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate plan id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Price < 0 || p.Credits < 0 {
			return fmt.Errorf("plan %q: price and credits must not be negative", p.ID)
		}
	}
	if len(c.Plans) > 0 {
		defaultPlan := c.Credits.DefaultPlan
		if defaultPlan == "" {
			defaultPlan = "free"
		}
		if _, ok := c.Plan(defaultPlan); !ok {
			return fmt.Errorf("credits.default_plan %q is not listed in plans", defaultPlan)
		}
	}

	switch c.RateLimit.Backend {
	case "", "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}

	if c.PayOS.Enabled {
		if c.PayOS.ClientID == "" || c.PayOS.APIKey == "" || c.PayOS.ChecksumKey == "" {
			return fmt.Errorf("payos.client_id, payos.api_key and payos.checksum_key are required when payos is enabled")
		}
		if c.PayOS.ReturnURL == "" || c.PayOS.CancelURL == "" {
			return fmt.Errorf("payos.return_url and payos.cancel_url are required when payos is enabled")
		}
	}
	if c.PayOS.LinkTTL.Duration < 0 || c.PayOS.ReconcileInterval.Duration < 0 || c.PayOS.ReconcileAfter.Duration < 0 {
		return fmt.Errorf("payos durations must not be negative")
	}
	return nil
}

// DefaultPlans is the plan catalogue used when the config lists none.
func DefaultPlans() []PlanConfig {
	return []PlanConfig{
		{ID: "free", Name: "Free", Price: 0, Credits: 20},
		{ID: "basic", Name: "Basic", Price: 49000, Credits: 300, Duration: Duration{30 * 24 * time.Hour}},
		{ID: "pro", Name: "Pro", Price: 149000, Credits: 1200, Duration: Duration{30 * 24 * time.Hour}},
	}
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "creditd.db"
	}
	if c.Storage.Database == "" && c.Storage.Driver == "mongo" {
		c.Storage.Database = "creditd"
	}
	if c.Storage.ActivityRetention.Duration == 0 {
		c.Storage.ActivityRetention.Duration = 180 * 24 * time.Hour
	}
	if c.Credits.InitialCredits == 0 {
		c.Credits.InitialCredits = 20
	}
	if c.Credits.DefaultPlan == "" {
		c.Credits.DefaultPlan = "free"
	}
	if c.Credits.DefaultCost == 0 {
		c.Credits.DefaultCost = 1
	}
	if len(c.Plans) == 0 {
		c.Plans = DefaultPlans()
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 10
	}
	if c.RateLimit.Window.Duration == 0 {
		c.RateLimit.Window.Duration = time.Minute
	}
	if c.RateLimit.IPLimit == 0 {
		c.RateLimit.IPLimit = 30
	}
	if c.RateLimit.IPWindow.Duration == 0 {
		c.RateLimit.IPWindow.Duration = time.Minute
	}
	if c.RateLimit.RedisPrefix == "" {
		c.RateLimit.RedisPrefix = "creditd:ratelimit:"
	}
	if c.PayOS.BaseURL == "" {
		c.PayOS.BaseURL = "https://api-merchant.payos.vn"
	}
	if c.PayOS.Timeout.Duration == 0 {
		c.PayOS.Timeout.Duration = 15 * time.Second
	}
	if c.PayOS.ReconcileInterval.Duration == 0 {
		c.PayOS.ReconcileInterval.Duration = 5 * time.Minute
	}
	if c.PayOS.ReconcileAfter.Duration == 0 {
		c.PayOS.ReconcileAfter.Duration = 15 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Plan returns the plan with the given ID.
func (c *Config) Plan(id string) (PlanConfig, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return PlanConfig{}, false
}
