package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Registry.Reporters = []string{
		"0x0000000000000000000000000000000000000011",
		"0x0000000000000000000000000000000000000012",
		"0x0000000000000000000000000000000000000013",
	}
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	bad := validConfig()
	bad.Fees.ReporterBps = 200 // shares no longer sum to total
	require.ErrorContains(t, bad.Validate(), "class shares sum")

	bad = validConfig()
	bad.Market.MinStakeWei = "not-a-number"
	require.ErrorContains(t, bad.Validate(), "min_stake_wei")

	bad = validConfig()
	bad.Registry.Reporters = bad.Registry.Reporters[:1]
	require.ErrorContains(t, bad.Validate(), "quorum")

	bad = validConfig()
	bad.Mode = "turbo"
	require.ErrorContains(t, bad.Validate(), "unknown mode")

	bad = validConfig()
	bad.Market.MaxDuration = duration{time.Minute}
	require.ErrorContains(t, bad.Validate(), "max_duration")

	bad = validConfig()
	bad.Market.SafetyMargin = duration{bad.Market.MinDuration.Duration + time.Minute}
	require.ErrorContains(t, bad.Validate(), "safety_margin")
}

func TestValidateAllowsMarginEqualToMinDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Market.SafetyMargin = cfg.Market.MinDuration
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "monitor"

[market]
min_duration = "2h"
min_stake_wei = "20000000000000000"

[oracle]
min_reporters = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SETTLED_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("SETTLED_ORACLE_MIN_REPORTERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "monitor", cfg.Mode)
	require.Equal(t, 2*time.Hour, cfg.Market.MinDuration.Duration)
	require.Equal(t, "20000000000000000", cfg.Market.MinStakeWei)
	// Env beats file.
	require.Equal(t, 7, cfg.Oracle.MinReporters)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	// Untouched fields keep defaults.
	require.Equal(t, 5432, cfg.Postgres.Port)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Operator.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.S3.SecretKey = "secret"

	red := RedactedConfig(&cfg)
	require.Equal(t, "***", red.Operator.PrivateKey)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "***", red.S3.SecretKey)
	// Original untouched.
	require.Equal(t, "deadbeef", cfg.Operator.PrivateKey)

	red.Registry.Reporters[0] = "mutated"
	require.NotEqual(t, "mutated", cfg.Registry.Reporters[0])
}
