package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYGUARD_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYGUARD_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYGUARD_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYGUARD_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.DataHost, "POLYGUARD_POLYMARKET_DATA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYGUARD_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYGUARD_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYGUARD_POLYMARKET_SIGNATURE_TYPE")
	setBool(&cfg.Polymarket.NegRisk, "POLYGUARD_POLYMARKET_NEG_RISK")
	setDuration(&cfg.Polymarket.PriceTimeout, "POLYGUARD_POLYMARKET_PRICE_TIMEOUT")
	setDuration(&cfg.Polymarket.OrderTimeout, "POLYGUARD_POLYMARKET_ORDER_TIMEOUT")

	// ── Vault ──
	setStr(&cfg.Vault.MasterKey, "POLYGUARD_VAULT_MASTER_KEY")
	setStr(&cfg.Vault.MasterKeyFile, "POLYGUARD_VAULT_MASTER_KEY_FILE")
	setStr(&cfg.Vault.Passphrase, "POLYGUARD_VAULT_PASSPHRASE")
	setInt(&cfg.Vault.KeyVersion, "POLYGUARD_VAULT_KEY_VERSION")

	// ── Stop loss ──
	setDuration(&cfg.StopLoss.Interval, "POLYGUARD_STOPLOSS_INTERVAL")
	setDuration(&cfg.StopLoss.Staleness, "POLYGUARD_STOPLOSS_STALENESS")
	setInt(&cfg.StopLoss.MaxFailures, "POLYGUARD_STOPLOSS_MAX_FAILURES")
	setDuration(&cfg.StopLoss.CycleLease, "POLYGUARD_STOPLOSS_CYCLE_LEASE")

	// ── Executor ──
	setInt(&cfg.Executor.PerUserConcurrency, "POLYGUARD_EXECUTOR_PER_USER_CONCURRENCY")
	setInt(&cfg.Executor.CatalogConcurrency, "POLYGUARD_EXECUTOR_CATALOG_CONCURRENCY")
	setInt(&cfg.Executor.CatalogRPS, "POLYGUARD_EXECUTOR_CATALOG_RPS")
	setInt(&cfg.Executor.ReadRetries, "POLYGUARD_EXECUTOR_READ_RETRIES")

	// ── Sync ──
	setDuration(&cfg.Sync.CatalogInterval, "POLYGUARD_SYNC_CATALOG_INTERVAL")
	setInt(&cfg.Sync.CatalogPages, "POLYGUARD_SYNC_CATALOG_PAGES")
	setDuration(&cfg.Sync.OrderInterval, "POLYGUARD_SYNC_ORDER_INTERVAL")
	setDuration(&cfg.Sync.PriceCacheTTL, "POLYGUARD_SYNC_PRICE_CACHE_TTL")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "POLYGUARD_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLYGUARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POLYGUARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYGUARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYGUARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYGUARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POLYGUARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYGUARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POLYGUARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POLYGUARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POLYGUARD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLYGUARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYGUARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYGUARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLYGUARD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "POLYGUARD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "POLYGUARD_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYGUARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYGUARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYGUARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYGUARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYGUARD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLYGUARD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLYGUARD_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYGUARD_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "POLYGUARD_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetainDays, "POLYGUARD_ARCHIVE_RETAIN_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYGUARD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYGUARD_SERVER_PORT")
	setStr(&cfg.Server.JWTSecret, "POLYGUARD_SERVER_JWT_SECRET")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYGUARD_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "POLYGUARD_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "POLYGUARD_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYGUARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYGUARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYGUARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYGUARD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYGUARD_MODE")
	setStr(&cfg.LogLevel, "POLYGUARD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
