// Command settled is the settlement daemon entry point. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and starts the application in the configured mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/timepoint-ai/proteus-sub001/internal/app"
	"github.com/timepoint-ai/proteus-sub001/internal/config"
	"github.com/timepoint-ai/proteus-sub001/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptKeyOut := flag.String("encrypt-key", "", "encrypt the operator key from the environment to this path and exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *encryptKeyOut != "" {
		if err := encryptKeyFile(*encryptKeyOut); err != nil {
			logger.Error("key encryption failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted operator key written", slog.String("path", *encryptKeyOut))
		return
	}

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Resolve the operator address from the signing key when not set
	// explicitly, so a single secret configures emergency authority.
	if cfg.Operator.Address == "" {
		if addr, ok := operatorAddress(cfg); ok {
			cfg.Operator.Address = addr
			logger.Info("operator address derived from signing key",
				slog.String("address", addr),
			)
		}
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("settlement daemon starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if err == context.Canceled {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("settlement daemon stopped")
}

// operatorAddress resolves the operator signing key from config and returns
// the address it controls.
func operatorAddress(cfg *config.Config) (string, bool) {
	hexKey, err := crypto.LoadOperatorKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Operator.PrivateKey,
		EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
		KeyPassword:      cfg.Operator.KeyPassword,
	})
	if err != nil {
		return "", false
	}
	priv, err := crypto.ParsePrivateKey(hexKey)
	if err != nil {
		return "", false
	}
	return crypto.AddressOf(priv).Hex(), true
}

// encryptKeyFile reads SETTLED_OPERATOR_PRIVATE_KEY and
// SETTLED_OPERATOR_KEY_PASSWORD from the environment and writes the encrypted
// key blob to path, for provisioning hosts without plaintext keys on disk.
func encryptKeyFile(path string) error {
	key := os.Getenv("SETTLED_OPERATOR_PRIVATE_KEY")
	password := os.Getenv("SETTLED_OPERATOR_KEY_PASSWORD")
	if key == "" || password == "" {
		return fmt.Errorf("SETTLED_OPERATOR_PRIVATE_KEY and SETTLED_OPERATOR_KEY_PASSWORD must be set")
	}
	blob, err := crypto.EncryptOperatorKey(key, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
