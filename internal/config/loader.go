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
// built-in defaults, applies SETTLED_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SETTLED_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Operator ──
	setStr(&cfg.Operator.Address, "SETTLED_OPERATOR_ADDRESS")
	setStr(&cfg.Operator.PrivateKey, "SETTLED_OPERATOR_PRIVATE_KEY")
	setStr(&cfg.Operator.EncryptedKeyPath, "SETTLED_OPERATOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Operator.KeyPassword, "SETTLED_OPERATOR_KEY_PASSWORD")

	// ── Market ──
	setDuration(&cfg.Market.MinDuration, "SETTLED_MARKET_MIN_DURATION")
	setDuration(&cfg.Market.MaxDuration, "SETTLED_MARKET_MAX_DURATION")
	setDuration(&cfg.Market.SafetyMargin, "SETTLED_MARKET_SAFETY_MARGIN")
	setDuration(&cfg.Market.GracePeriod, "SETTLED_MARKET_GRACE_PERIOD")
	setStr(&cfg.Market.MinStakeWei, "SETTLED_MARKET_MIN_STAKE_WEI")
	setInt(&cfg.Market.MinSubmissions, "SETTLED_MARKET_MIN_SUBMISSIONS")

	// ── Fees ──
	setInt64(&cfg.Fees.TotalBps, "SETTLED_FEES_TOTAL_BPS")
	setInt64(&cfg.Fees.ReporterBps, "SETTLED_FEES_REPORTER_BPS")
	setInt64(&cfg.Fees.OperatorBps, "SETTLED_FEES_OPERATOR_BPS")
	setInt64(&cfg.Fees.CreatorBps, "SETTLED_FEES_CREATOR_BPS")
	setInt64(&cfg.Fees.CommunityBps, "SETTLED_FEES_COMMUNITY_BPS")
	setStr(&cfg.Fees.CommunityAddr, "SETTLED_FEES_COMMUNITY_ADDR")

	// ── Oracle ──
	setInt(&cfg.Oracle.MinReporters, "SETTLED_ORACLE_MIN_REPORTERS")

	// ── Registry ──
	setStr(&cfg.Registry.Source, "SETTLED_REGISTRY_SOURCE")
	setStringSlice(&cfg.Registry.Reporters, "SETTLED_REGISTRY_REPORTERS")

	// ── Service ──
	setInt(&cfg.Service.SubmitLimit, "SETTLED_SERVICE_SUBMIT_LIMIT")
	setDuration(&cfg.Service.SubmitWindow, "SETTLED_SERVICE_SUBMIT_WINDOW")
	setInt(&cfg.Service.AttestLimit, "SETTLED_SERVICE_ATTEST_LIMIT")
	setDuration(&cfg.Service.AttestWindow, "SETTLED_SERVICE_ATTEST_WINDOW")
	setDuration(&cfg.Service.LockTTL, "SETTLED_SERVICE_LOCK_TTL")
	setDuration(&cfg.Service.SweepInterval, "SETTLED_SERVICE_SWEEP_INTERVAL")
	setInt(&cfg.Service.ArchiveRetentionDays, "SETTLED_SERVICE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Service.ArchiveCron, "SETTLED_SERVICE_ARCHIVE_CRON")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SETTLED_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "SETTLED_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SETTLED_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SETTLED_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SETTLED_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SETTLED_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SETTLED_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLED_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SETTLED_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLED_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SETTLED_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLED_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLED_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SETTLED_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SETTLED_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SETTLED_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SETTLED_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLED_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLED_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLED_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLED_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SETTLED_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SETTLED_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SETTLED_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SETTLED_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLED_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SETTLED_SERVER_API_KEY")
	setInt(&cfg.Server.RequestLimit, "SETTLED_SERVER_REQUEST_LIMIT")
	setDuration(&cfg.Server.RequestWindow, "SETTLED_SERVER_REQUEST_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SETTLED_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SETTLED_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SETTLED_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SETTLED_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SETTLED_MODE")
	setStr(&cfg.LogLevel, "SETTLED_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
