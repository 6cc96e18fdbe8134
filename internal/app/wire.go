package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/timepoint-ai/proteus-sub001/internal/blob/s3"
	"github.com/timepoint-ai/proteus-sub001/internal/cache/redis"
	"github.com/timepoint-ai/proteus-sub001/internal/config"
	"github.com/timepoint-ai/proteus-sub001/internal/domain"
	"github.com/timepoint-ai/proteus-sub001/internal/notify"
	"github.com/timepoint-ai/proteus-sub001/internal/registry"
	"github.com/timepoint-ai/proteus-sub001/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores (nil when the mode runs without persistence)
	MarketStore     domain.MarketStore
	SubmissionStore domain.SubmissionStore
	ConsensusStore  domain.ConsensusStore
	PayoutStore     domain.PayoutStore
	AuditStore      domain.AuditStore

	// Redis-backed collaborators
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	Registry    domain.NodeRegistry

	// Blob storage (nil outside archive-capable modes)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks feed the /api/health endpoint, keyed by dependency name.
	HealthChecks map[string]func(context.Context) error
}

// needsPostgres returns true for modes that require the write-behind journal.
func needsPostgres(mode string) bool {
	switch mode {
	case "serve", "archive", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	switch mode {
	case "archive", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		HealthChecks: make(map[string]func(context.Context) error),
	}

	// --- PostgreSQL (only for modes that journal state) ---
	if needsPostgres(cfg.Mode) {
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
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.SubmissionStore = postgres.NewSubmissionStore(pool)
		deps.ConsensusStore = postgres.NewConsensusStore(pool)
		deps.PayoutStore = postgres.NewPayoutStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pool.Ping
	}

	// --- Redis ---
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

	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// Reporter roster: a static list from config, or a Redis membership set
	// maintained by operator tooling.
	switch cfg.Registry.Source {
	case "redis":
		deps.Registry = redis.NewNodeRegistry(redisClient)
	default:
		deps.Registry = registry.NewStatic(cfg.Registry.Reporters)
	}

	// --- S3 blob storage (only for archive-capable modes) ---
	if needsS3(cfg.Mode) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		writer := s3blob.NewWriter(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.HealthChecks["s3"] = s3Client.Health

		// Archiver joins settled markets with their submissions and payouts,
		// so it needs the Postgres stores too.
		if deps.MarketStore != nil && deps.SubmissionStore != nil &&
			deps.PayoutStore != nil && deps.ConsensusStore != nil && deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				writer,
				deps.MarketStore,
				deps.SubmissionStore,
				deps.PayoutStore,
				deps.ConsensusStore,
				deps.AuditStore,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
