package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the botpaywall binaries. The control
// plane (cmd/server) and the edge gate (cmd/gate) load the same environment
// so a deployment configures both from one place.
type Config struct {
	Server    ServerConfig
	Gate      GateConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Payment   PaymentConfig
	Allowlist AllowlistConfig
	Secrets   SecretsConfig
	Audit     AuditConfig
}

type ServerConfig struct {
	Port       int
	Env        string
	AdminToken string
}

type GateConfig struct {
	Port            int
	TrustedIPHeader string
	ProjectCacheTTL time.Duration
	VerifyRateLimit int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type LedgerConfig struct {
	BaseURL string
	Timeout time.Duration
	ChainID int64
}

type PaymentConfig struct {
	Currency       string
	Network        string
	ReservationTTL time.Duration
}

type AllowlistConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type SecretsConfig struct {
	EncryptionKey  string
	AllowPlaintext bool
}

type AuditConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	BatchSize    int
	PollInterval time.Duration
	ClaimTTL     time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:       envInt("SERVER_PORT", 5000),
			Env:        envString("BOTPAYWALL_ENV", "development"),
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
		Gate: GateConfig{
			Port:            envInt("GATE_PORT", 8080),
			TrustedIPHeader: envString("TRUSTED_IP_HEADER", "CF-Connecting-IP"),
			ProjectCacheTTL: envDuration("PROJECT_CACHE_TTL", 30*time.Second),
			VerifyRateLimit: envInt("VERIFY_RATE_LIMIT", 10),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Ledger: LedgerConfig{
			BaseURL: envString("LEDGER_BASE_URL", "https://testnet.movementnetwork.xyz/v1"),
			Timeout: envDuration("LEDGER_TIMEOUT", 10*time.Second),
			ChainID: int64(envInt("CHAIN_ID", 250)),
		},
		Payment: PaymentConfig{
			Currency:       envString("PAYMENT_CURRENCY", "MOVE"),
			Network:        envString("PAYMENT_NETWORK", "testnet"),
			ReservationTTL: envDuration("RESERVATION_TTL", 2*time.Minute),
		},
		Allowlist: AllowlistConfig{
			TTL:           envDurationSecs("ALLOWLIST_TTL_SECS", 60*time.Second),
			SweepInterval: envDurationSecs("SWEEP_INTERVAL_SECS", 30*time.Second),
		},
		Secrets: SecretsConfig{
			EncryptionKey:  os.Getenv("SECRET_ENC_KEY"),
			AllowPlaintext: envBool("ALLOW_PLAINTEXT_SECRETS", false),
		},
		Audit: AuditConfig{
			KafkaBrokers: envList("KAFKA_BROKERS"),
			KafkaTopic:   envString("KAFKA_TOPIC", "botpaywall.audit"),
			BatchSize:    envInt("AUDIT_BATCH_SIZE", 50),
			PollInterval: envDuration("AUDIT_POLL_INTERVAL", 5*time.Second),
			ClaimTTL:     envDuration("AUDIT_CLAIM_TTL", time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}

	if c.Secrets.EncryptionKey == "" {
		return fmt.Errorf("SECRET_ENC_KEY is required")
	}
	if len(c.Secrets.EncryptionKey) != 64 {
		return fmt.Errorf("SECRET_ENC_KEY must be 64 hex characters (32 bytes), got %d", len(c.Secrets.EncryptionKey))
	}

	if !strings.HasPrefix(c.Ledger.BaseURL, "http://") && !strings.HasPrefix(c.Ledger.BaseURL, "https://") {
		return fmt.Errorf("LEDGER_BASE_URL must start with http:// or https://, got %q", c.Ledger.BaseURL)
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive, got %s", c.Ledger.Timeout)
	}

	if c.Allowlist.TTL <= 0 {
		return fmt.Errorf("ALLOWLIST_TTL_SECS must be positive, got %s", c.Allowlist.TTL)
	}
	if c.Allowlist.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECS must be positive, got %s", c.Allowlist.SweepInterval)
	}

	if c.Payment.ReservationTTL <= 0 {
		return fmt.Errorf("RESERVATION_TTL must be positive, got %s", c.Payment.ReservationTTL)
	}

	if c.Gate.VerifyRateLimit <= 0 {
		return fmt.Errorf("VERIFY_RATE_LIMIT must be positive, got %d", c.Gate.VerifyRateLimit)
	}
	if c.Gate.ProjectCacheTTL <= 0 {
		return fmt.Errorf("PROJECT_CACHE_TTL must be positive, got %s", c.Gate.ProjectCacheTTL)
	}

	if c.Audit.BatchSize <= 0 {
		return fmt.Errorf("AUDIT_BATCH_SIZE must be positive, got %d", c.Audit.BatchSize)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
