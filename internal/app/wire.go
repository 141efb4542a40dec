package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/polyguard/internal/blob/s3"
	"github.com/alanyoungcy/polyguard/internal/cache/local"
	"github.com/alanyoungcy/polyguard/internal/cache/redis"
	"github.com/alanyoungcy/polyguard/internal/config"
	"github.com/alanyoungcy/polyguard/internal/crypto"
	"github.com/alanyoungcy/polyguard/internal/domain"
	"github.com/alanyoungcy/polyguard/internal/executor"
	"github.com/alanyoungcy/polyguard/internal/notify"
	"github.com/alanyoungcy/polyguard/internal/platform/polymarket"
	"github.com/alanyoungcy/polyguard/internal/server/handler"
	"github.com/alanyoungcy/polyguard/internal/store/memory"
	"github.com/alanyoungcy/polyguard/internal/store/postgres"
	"github.com/alanyoungcy/polyguard/internal/vault"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore   domain.PositionStore
	OrderStore      domain.OrderStore
	StopLossStore   domain.StopLossStore
	TakeProfitStore domain.TakeProfitStore
	MappingStore    domain.MappingStore
	CredentialStore domain.CredentialStore
	AuditStore      domain.AuditStore
	ArchiveStore    domain.ArchiveStore

	// Caches
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Blob storage; nil unless archival is enabled.
	Archiver domain.Archiver

	// Venue
	Clob  *polymarket.ClobClient
	Gamma *polymarket.GammaClient
	Data  *polymarket.DataClient

	Vault    *vault.Vault
	Executor *executor.Executor
	Notifier *notify.Notifier

	// Health lists the reachable backing services for /api/health.
	Health map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.Pinger)}

	// --- Stores ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
		logger.WarnContext(ctx, "wire: using in-memory storage; state is lost on restart")
		mem := memory.New()
		deps.PositionStore = mem.Positions()
		deps.OrderStore = mem.Orders()
		deps.StopLossStore = mem.StopLosses()
		deps.TakeProfitStore = mem.TakeProfits()
		deps.MappingStore = mem.Mappings()
		deps.CredentialStore = mem.Credentials()
		deps.AuditStore = mem.Audit()
		deps.ArchiveStore = mem.Archive()
	default:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.OrderStore = postgres.NewOrderStore(pool)
		deps.StopLossStore = postgres.NewStopLossStore(pool)
		deps.TakeProfitStore = postgres.NewTakeProfitStore(pool)
		deps.MappingStore = postgres.NewMappingStore(pool)
		deps.CredentialStore = postgres.NewCredentialStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.ArchiveStore = postgres.NewArchiveStore(pool)
		deps.Health["postgres"] = pgClient
	}

	// --- Caches: Redis when configured, otherwise in process ---
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Sync.PriceCacheTTL.Duration)
		deps.MarketCache = redis.NewMarketCache(redisClient, 0)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
		deps.Health["redis"] = redisClient
	} else {
		deps.PriceCache = local.NewPriceCache(cfg.Sync.PriceCacheTTL.Duration)
		deps.MarketCache = local.NewMarketCache()
		deps.RateLimiter = local.NewRateLimiter()
		deps.LockManager = local.NewLockManager()
		deps.EventBus = local.NewEventBus()
	}

	// --- Vault ---
	master, err := crypto.LoadMasterKey(crypto.MasterKeyConfig{
		Hex:        cfg.Vault.MasterKey,
		File:       cfg.Vault.MasterKeyFile,
		Passphrase: cfg.Vault.Passphrase,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault master key: %w", err)
	}
	keys, err := crypto.NewKeyring(cfg.Vault.KeyVersion, master)
	clear(master)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: vault keyring: %w", err)
	}
	deps.Vault = vault.New(deps.CredentialStore, keys, cfg.Polymarket.ChainID, logger)

	// --- Venue clients ---
	priceTimeout := cfg.Polymarket.PriceTimeout.Duration
	deps.Clob = polymarket.NewClobClient(cfg.Polymarket.ClobHost, cfg.Polymarket.SignatureType, cfg.Polymarket.OrderTimeout.Duration)
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Executor.CatalogRPS, priceTimeout)
	deps.Data = polymarket.NewDataClient(cfg.Polymarket.DataHost, priceTimeout)
	closers = append(closers, func() { _ = deps.Data.Close() })

	deps.Executor = executor.New(deps.Clob, deps.Vault, executor.Config{
		PerUserConcurrency: cfg.Executor.PerUserConcurrency,
		CatalogConcurrency: cfg.Executor.CatalogConcurrency,
		ReadRetries:        cfg.Executor.ReadRetries,
		PriceTimeout:       priceTimeout,
		OrderTimeout:       cfg.Polymarket.OrderTimeout.Duration,
	}, logger)

	// --- S3 archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.ArchiveStore,
			deps.AuditStore,
			logger,
		)
		deps.Health["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		closers = append(closers, func() { _ = tg.Close() })
		senders = append(senders, tg)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		dc := notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL)
		closers = append(closers, func() { _ = dc.Close() })
		senders = append(senders, dc)
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("redis", cfg.Redis.Addr != ""),
		slog.Bool("archive", deps.Archiver != nil),
		slog.Bool("notify", deps.Notifier.Enabled()),
		slog.Duration("price_cache_ttl", cfg.Sync.PriceCacheTTL.Duration.Round(time.Second)),
	)
	return deps, cleanup, nil
}
