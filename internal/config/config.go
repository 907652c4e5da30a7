package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvConfigPath names the optional TOML file applied before env overrides.
const EnvConfigPath = "CORPUSGUARD_CONFIG"

type Config struct {
	HTTPAddr string `toml:"http_addr"`
	GRPCAddr string `toml:"grpc_addr"`
	Env      string `toml:"env"` // "dev" | "prod"

	PostgresDSN string `toml:"postgres_dsn"`

	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`

	// AMQPURI enables the audit mirror when set.
	AMQPURI      string `toml:"amqp_uri"`
	AMQPExchange string `toml:"amqp_exchange"`

	TokenSecret string        `toml:"token_secret"`
	TokenTTL    time.Duration `toml:"token_ttl"`

	// AuditSealKey is hex encoded.
	AuditSealKey string        `toml:"audit_seal_key"`
	AuditRetries int           `toml:"audit_retries"`
	AuditBackoff time.Duration `toml:"audit_backoff"`

	Lockout Lockout `toml:"lockout"`

	StorageTimeout time.Duration `toml:"storage_timeout"`

	ConsolePrefixes   []string `toml:"console_prefixes"`
	AuditSkipPrefixes []string `toml:"audit_skip_prefixes"`

	RateBurst     int   `toml:"rate_burst"`
	RatePerSecond int   `toml:"rate_per_second"`
	MaxBodyBytes  int64 `toml:"max_body_bytes"`
}

type Lockout struct {
	Threshold int           `toml:"threshold"`
	Window    time.Duration `toml:"window"`
	Duration  time.Duration `toml:"duration"`
}

// Default returns the baseline configuration for local development.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		Env:          "dev",
		AMQPExchange: "corpusguard.audit",
		TokenTTL:     30 * time.Minute,
		AuditRetries: 3,
		AuditBackoff: 50 * time.Millisecond,
		Lockout: Lockout{
			Threshold: 5,
			Window:    time.Hour,
			Duration:  time.Hour,
		},
		StorageTimeout:    2 * time.Second,
		ConsolePrefixes:   []string{"/v1/console/"},
		AuditSkipPrefixes: []string{"/static/", "/media/", "/i18n/", "/metrics", "/healthz", "/readyz", "/openapi.yaml"},
		RateBurst:         40,
		RatePerSecond:     20,
		MaxBodyBytes:      1 << 20,
	}
}

// Load builds the configuration from defaults, the optional TOML file named by
// CORPUSGUARD_CONFIG, and CORPUSGUARD_* environment variables, in that order.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays values present in the TOML file at path.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays CORPUSGUARD_* variables that are set.
func (c *Config) ApplyEnv() error {
	setString(&c.HTTPAddr, "CORPUSGUARD_HTTP_ADDR")
	setString(&c.GRPCAddr, "CORPUSGUARD_GRPC_ADDR")
	setString(&c.Env, "CORPUSGUARD_ENV")
	setString(&c.PostgresDSN, "CORPUSGUARD_PG_DSN")
	setString(&c.RedisAddr, "CORPUSGUARD_REDIS_ADDR")
	setString(&c.RedisPassword, "CORPUSGUARD_REDIS_PASSWORD")
	setString(&c.AMQPURI, "CORPUSGUARD_AMQP_URI")
	setString(&c.AMQPExchange, "CORPUSGUARD_AMQP_EXCHANGE")
	setString(&c.TokenSecret, "CORPUSGUARD_TOKEN_SECRET")
	setString(&c.AuditSealKey, "CORPUSGUARD_AUDIT_SEAL_KEY")

	var errs []error
	errs = append(errs,
		setInt(&c.RedisDB, "CORPUSGUARD_REDIS_DB"),
		setInt(&c.AuditRetries, "CORPUSGUARD_AUDIT_RETRIES"),
		setInt(&c.Lockout.Threshold, "CORPUSGUARD_LOCKOUT_THRESHOLD"),
		setInt(&c.RateBurst, "CORPUSGUARD_RATE_BURST"),
		setInt(&c.RatePerSecond, "CORPUSGUARD_RATE_PER_SECOND"),
		setDuration(&c.TokenTTL, "CORPUSGUARD_TOKEN_TTL"),
		setDuration(&c.AuditBackoff, "CORPUSGUARD_AUDIT_BACKOFF"),
		setDuration(&c.Lockout.Window, "CORPUSGUARD_LOCKOUT_WINDOW"),
		setDuration(&c.Lockout.Duration, "CORPUSGUARD_LOCKOUT_DURATION"),
		setDuration(&c.StorageTimeout, "CORPUSGUARD_STORAGE_TIMEOUT"),
	)
	if v, ok := os.LookupEnv("CORPUSGUARD_CONSOLE_PREFIXES"); ok {
		c.ConsolePrefixes = splitCSV(v)
	}
	if v, ok := os.LookupEnv("CORPUSGUARD_AUDIT_SKIP_PREFIXES"); ok {
		c.AuditSkipPrefixes = splitCSV(v)
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the service must not start with.
func (c Config) Validate() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		return fmt.Errorf("config: env must be dev or prod, got %q", c.Env)
	}
	if strings.TrimSpace(c.TokenSecret) == "" {
		return errors.New("config: CORPUSGUARD_TOKEN_SECRET is required")
	}
	if c.Env == "prod" && len(c.TokenSecret) < 32 {
		return errors.New("config: token secret must be at least 32 bytes in prod")
	}
	if _, err := c.SealKey(); err != nil {
		return err
	}
	if c.Env == "prod" && c.AuditSealKey == "" {
		return errors.New("config: CORPUSGUARD_AUDIT_SEAL_KEY is required in prod")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: token ttl must be positive")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("config: lockout threshold must be at least 1")
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		return errors.New("config: lockout window and duration must be positive")
	}
	if c.StorageTimeout <= 0 {
		return errors.New("config: storage timeout must be positive")
	}
	if c.AuditRetries < 1 {
		return errors.New("config: audit retries must be at least 1")
	}
	return nil
}

// SealKey decodes the audit seal key. An empty key yields nil.
func (c Config) SealKey() ([]byte, error) {
	raw := strings.TrimSpace(c.AuditSealKey)
	if raw == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("config: audit seal key must be hex: %w", err)
	}
	if len(key) < 16 {
		return nil, errors.New("config: audit seal key must be at least 16 bytes")
	}
	return key, nil
}

// IsProd reports whether the service runs with production safeguards.
func (c Config) IsProd() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "prod")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("config: %s must be a non-negative integer", key)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
