// Package config defines the top-level configuration for polyguard and
// provides validation helpers.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYGUARD_* environment variables.
type Config struct {
	Polymarket PolymarketConfig `toml:"polymarket"`
	Vault      VaultConfig      `toml:"vault"`
	StopLoss   StopLossConfig   `toml:"stoploss"`
	Executor   ExecutorConfig   `toml:"executor"`
	Sync       SyncConfig       `toml:"sync"`
	Storage    StorageConfig    `toml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost  string `toml:"clob_host"`
	GammaHost string `toml:"gamma_host"`
	DataHost  string `toml:"data_host"`
	WsHost    string `toml:"ws_host"`
	ChainID   int    `toml:"chain_id"`
	// SignatureType 2 means the order is funded by the user's proxy wallet
	// and signed by their EOA.
	SignatureType int      `toml:"signature_type"`
	NegRisk       bool     `toml:"neg_risk"`
	PriceTimeout  duration `toml:"price_timeout"`
	OrderTimeout  duration `toml:"order_timeout"`
}

// VaultConfig holds the credential vault master key. Exactly one of MasterKey
// (hex, 32 bytes) or MasterKeyFile (passphrase-encrypted) must be set.
type VaultConfig struct {
	MasterKey     string `toml:"master_key"`
	MasterKeyFile string `toml:"master_key_file"`
	Passphrase    string `toml:"passphrase"`
	KeyVersion    int    `toml:"key_version"`
}

// StopLossConfig controls the stop-loss monitor cadence.
type StopLossConfig struct {
	Interval    duration `toml:"interval"`
	Staleness   duration `toml:"staleness"`
	MaxFailures int      `toml:"max_failures"`
	// CycleLease is the TTL of the distributed per-cycle lease. Zero disables it.
	CycleLease duration `toml:"cycle_lease"`
}

// ExecutorConfig bounds concurrency toward the venue.
type ExecutorConfig struct {
	PerUserConcurrency int `toml:"per_user_concurrency"`
	CatalogConcurrency int `toml:"catalog_concurrency"`
	CatalogRPS         int `toml:"catalog_rps"`
	ReadRetries        int `toml:"read_retries"`
}

// SyncConfig controls background sync jobs.
type SyncConfig struct {
	CatalogInterval duration `toml:"catalog_interval"`
	CatalogPages    int      `toml:"catalog_pages"`
	OrderInterval   duration `toml:"order_interval"`
	PriceCacheTTL   duration `toml:"price_cache_ttl"`
}

// StorageConfig selects the store implementation.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables Redis
// and the in-process caches are used instead.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls moving terminal rules and resolved orders to S3.
type ArchiveConfig struct {
	Enabled    bool     `toml:"enabled"`
	Interval   duration `toml:"interval"`
	RetainDays int      `toml:"retain_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	JWTSecret    string   `toml:"jwt_secret"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   duration `toml:"rate_window"`
	ReadTimeout  duration `toml:"read_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			DataHost:      "https://data-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:       137,
			SignatureType: 2,
			PriceTimeout:  duration{5 * time.Second},
			OrderTimeout:  duration{30 * time.Second},
		},
		Vault: VaultConfig{
			KeyVersion: 1,
		},
		StopLoss: StopLossConfig{
			Interval:    duration{30 * time.Second},
			Staleness:   duration{10 * time.Second},
			MaxFailures: 5,
			CycleLease:  duration{25 * time.Second},
		},
		Executor: ExecutorConfig{
			PerUserConcurrency: 2,
			CatalogConcurrency: 15,
			CatalogRPS:         10,
			ReadRetries:        3,
		},
		Sync: SyncConfig{
			CatalogInterval: duration{10 * time.Minute},
			CatalogPages:    20,
			OrderInterval:   duration{2 * time.Minute},
			PriceCacheTTL:   duration{10 * time.Second},
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "polyguard",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyguard-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:    false,
			Interval:   duration{24 * time.Hour},
			RetainDays: 90,
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:    100,
			RateWindow:   duration{time.Minute},
			ReadTimeout:  duration{15 * time.Second},
			WriteTimeout: duration{60 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"sl_executed", "sl_failed", "tp_filled"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":     true,
	"monitor": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.DataHost == "" {
		errs = append(errs, "polymarket: data_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0, 1 or 2, got %d", c.Polymarket.SignatureType))
	}
	if c.Polymarket.PriceTimeout.Duration <= 0 || c.Polymarket.OrderTimeout.Duration <= 0 {
		errs = append(errs, "polymarket: price_timeout and order_timeout must be > 0")
	}

	// Vault
	switch {
	case c.Vault.MasterKey == "" && c.Vault.MasterKeyFile == "":
		errs = append(errs, "vault: either master_key or master_key_file must be set")
	case c.Vault.MasterKey != "" && c.Vault.MasterKeyFile != "":
		errs = append(errs, "vault: master_key and master_key_file are mutually exclusive")
	case c.Vault.MasterKey != "":
		if b, err := hex.DecodeString(strings.TrimPrefix(c.Vault.MasterKey, "0x")); err != nil || len(b) != 32 {
			errs = append(errs, "vault: master_key must be 32 bytes of hex")
		}
	case c.Vault.Passphrase == "":
		errs = append(errs, "vault: passphrase is required when master_key_file is set")
	}
	if c.Vault.KeyVersion < 1 || c.Vault.KeyVersion > 255 {
		errs = append(errs, "vault: key_version must be 1-255")
	}

	// Stop loss
	if c.StopLoss.Interval.Duration <= 0 {
		errs = append(errs, "stoploss: interval must be > 0")
	}
	if c.StopLoss.Staleness.Duration <= 0 {
		errs = append(errs, "stoploss: staleness must be > 0")
	}
	if c.StopLoss.MaxFailures < 1 {
		errs = append(errs, "stoploss: max_failures must be >= 1")
	}

	// Executor
	if c.Executor.PerUserConcurrency < 1 {
		errs = append(errs, "executor: per_user_concurrency must be >= 1")
	}
	if c.Executor.CatalogConcurrency < 1 {
		errs = append(errs, "executor: catalog_concurrency must be >= 1")
	}
	if c.Executor.CatalogRPS < 1 {
		errs = append(errs, "executor: catalog_rps must be >= 1")
	}

	// Sync
	if c.Sync.CatalogInterval.Duration <= 0 || c.Sync.OrderInterval.Duration <= 0 {
		errs = append(errs, "sync: catalog_interval and order_interval must be > 0")
	}

	// Storage
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: postgres, memory)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetainDays < 1 {
			errs = append(errs, "archive: retain_days must be >= 1")
		}
		if c.Storage.Driver != "postgres" {
			errs = append(errs, "archive: requires storage.driver = postgres")
		}
	}

	// Server
	if c.Server.Enabled && c.Mode != "monitor" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if len(c.Server.JWTSecret) < 32 {
			errs = append(errs, "server: jwt_secret must be at least 32 characters")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
