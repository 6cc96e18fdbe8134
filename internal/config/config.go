// Package config defines the top-level configuration for the settlement
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SETTLED_* environment variables.
type Config struct {
	Operator Operator       `toml:"operator"`
	Market   MarketConfig   `toml:"market"`
	Fees     FeeConfig      `toml:"fees"`
	Oracle   OracleConfig   `toml:"oracle"`
	Registry RegistryConfig `toml:"registry"`
	Service  ServiceConfig  `toml:"service"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// Operator holds the daemon owner's signing credentials and address.
type Operator struct {
	// Address is the owner authorized for emergency withdrawals.
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// MarketConfig holds market lifecycle parameters.
type MarketConfig struct {
	MinDuration    duration `toml:"min_duration"`
	MaxDuration    duration `toml:"max_duration"`
	SafetyMargin   duration `toml:"safety_margin"`
	GracePeriod    duration `toml:"grace_period"`
	MinStakeWei    string   `toml:"min_stake_wei"`
	MinSubmissions int      `toml:"min_submissions"`
}

// MinStake parses MinStakeWei. Returns nil when the string is not a valid
// decimal integer; Validate reports that case.
func (m MarketConfig) MinStake() *big.Int {
	v, ok := new(big.Int).SetString(m.MinStakeWei, 10)
	if !ok {
		return nil
	}
	return v
}

// FeeConfig holds the protocol fee and its stakeholder split, in basis points.
type FeeConfig struct {
	TotalBps      int64  `toml:"total_bps"`
	ReporterBps   int64  `toml:"reporter_bps"`
	OperatorBps   int64  `toml:"operator_bps"`
	CreatorBps    int64  `toml:"creator_bps"`
	CommunityBps  int64  `toml:"community_bps"`
	CommunityAddr string `toml:"community_addr"`
}

// OracleConfig holds consensus parameters.
type OracleConfig struct {
	MinReporters int `toml:"min_reporters"`
}

// RegistryConfig selects the reporter roster source.
type RegistryConfig struct {
	// Source is "static" (addresses listed here) or "redis" (membership set
	// maintained by the registry operator tooling).
	Source    string   `toml:"source"`
	Reporters []string `toml:"reporters"`
}

// ServiceConfig holds throttling and locking knobs.
type ServiceConfig struct {
	SubmitLimit  int      `toml:"submit_limit"`
	SubmitWindow duration `toml:"submit_window"`
	AttestLimit  int      `toml:"attest_limit"`
	AttestWindow duration `toml:"attest_window"`
	LockTTL      duration `toml:"lock_ttl"`
	// SweepInterval drives the monitor mode's stalled-market scan.
	SweepInterval duration `toml:"sweep_interval"`
	// ArchiveRetentionDays bounds how long settled history stays out of blob
	// storage.
	ArchiveRetentionDays int `toml:"archive_retention_days"`
	// ArchiveCron schedules archive runs ("minute hour dom month dow").
	// Empty falls back to a daily interval timer.
	ArchiveCron string `toml:"archive_cron"`
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

// RedisConfig holds Redis connection parameters.
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

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "24h", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "24h" or "30s".
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
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects mutating endpoints. Empty disables authentication.
	APIKey string `toml:"api_key"`
	// RequestLimit caps requests per client IP per RequestWindow. Zero
	// disables HTTP-level throttling.
	RequestLimit  int      `toml:"request_limit"`
	RequestWindow duration `toml:"request_window"`
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
		Market: MarketConfig{
			MinDuration:    duration{time.Hour},
			MaxDuration:    duration{30 * 24 * time.Hour},
			SafetyMargin:   duration{time.Hour},
			GracePeriod:    duration{7 * 24 * time.Hour},
			MinStakeWei:    "10000000000000000", // 0.01 ETH
			MinSubmissions: 2,
		},
		Fees: FeeConfig{
			TotalBps:     250,
			ReporterBps:  100,
			OperatorBps:  75,
			CreatorBps:   50,
			CommunityBps: 25,
		},
		Oracle: OracleConfig{
			MinReporters: 3,
		},
		Registry: RegistryConfig{
			Source: "static",
		},
		Service: ServiceConfig{
			SubmitLimit:          10,
			SubmitWindow:         duration{time.Minute},
			AttestLimit:          30,
			AttestWindow:         duration{time.Minute},
			LockTTL:              duration{30 * time.Second},
			SweepInterval:        duration{5 * time.Minute},
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 * * *",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "settled",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "settled-data",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000"},
			RequestLimit:  120,
			RequestWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"market_resolved", "consensus_reached", "emergency_withdrawn", "error"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":   true,
	"monitor": true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, monitor, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Operator
	if c.Operator.Address != "" && !common.IsHexAddress(c.Operator.Address) {
		errs = append(errs, fmt.Sprintf("operator: address %q is not a valid hex address", c.Operator.Address))
	}
	if c.Operator.EncryptedKeyPath != "" && c.Operator.KeyPassword == "" {
		errs = append(errs, "operator: key_password is required when encrypted_key_path is set")
	}

	// Market
	if c.Market.MinDuration.Duration <= 0 {
		errs = append(errs, "market: min_duration must be positive")
	}
	if c.Market.MaxDuration.Duration < c.Market.MinDuration.Duration {
		errs = append(errs, "market: max_duration must be >= min_duration")
	}
	if c.Market.SafetyMargin.Duration < 0 {
		errs = append(errs, "market: safety_margin must not be negative")
	}
	if c.Market.SafetyMargin.Duration > c.Market.MinDuration.Duration {
		errs = append(errs, "market: safety_margin must not exceed min_duration")
	}
	if c.Market.GracePeriod.Duration <= 0 {
		errs = append(errs, "market: grace_period must be positive")
	}
	if min := c.Market.MinStake(); min == nil || min.Sign() <= 0 {
		errs = append(errs, fmt.Sprintf("market: min_stake_wei %q must be a positive decimal integer", c.Market.MinStakeWei))
	}
	if c.Market.MinSubmissions < 2 {
		errs = append(errs, "market: min_submissions must be >= 2")
	}

	// Fees
	if c.Fees.TotalBps < 0 || c.Fees.TotalBps > 10_000 {
		errs = append(errs, fmt.Sprintf("fees: total_bps must be 0-10000, got %d", c.Fees.TotalBps))
	}
	if sum := c.Fees.ReporterBps + c.Fees.OperatorBps + c.Fees.CreatorBps + c.Fees.CommunityBps; sum != c.Fees.TotalBps {
		errs = append(errs, fmt.Sprintf("fees: class shares sum to %d bps, want total_bps %d", sum, c.Fees.TotalBps))
	}
	if c.Fees.CommunityAddr != "" && !common.IsHexAddress(c.Fees.CommunityAddr) {
		errs = append(errs, fmt.Sprintf("fees: community_addr %q is not a valid hex address", c.Fees.CommunityAddr))
	}

	// Oracle
	if c.Oracle.MinReporters < 1 {
		errs = append(errs, "oracle: min_reporters must be >= 1")
	}

	// Registry
	switch c.Registry.Source {
	case "static":
		if len(c.Registry.Reporters) < c.Oracle.MinReporters {
			errs = append(errs, fmt.Sprintf("registry: %d static reporters configured, quorum needs %d", len(c.Registry.Reporters), c.Oracle.MinReporters))
		}
		for _, a := range c.Registry.Reporters {
			if !common.IsHexAddress(strings.TrimSpace(a)) {
				errs = append(errs, fmt.Sprintf("registry: reporter %q is not a valid hex address", a))
			}
		}
	case "redis":
	default:
		errs = append(errs, fmt.Sprintf("registry: unknown source %q (valid: static, redis)", c.Registry.Source))
	}

	// Service
	if c.Service.LockTTL.Duration <= 0 {
		errs = append(errs, "service: lock_ttl must be positive")
	}
	if c.Service.SweepInterval.Duration <= 0 {
		errs = append(errs, "service: sweep_interval must be positive")
	}

	// Postgres
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
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required for archive-capable modes.
	if c.Mode == "archive" || c.Mode == "full" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RequestLimit > 0 && c.Server.RequestWindow.Duration <= 0 {
			errs = append(errs, "server: request_window must be positive when request_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
