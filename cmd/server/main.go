package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/xavierScript/kora-go/service/cache"
	"github.com/xavierScript/kora-go/service/chain"
	"github.com/xavierScript/kora-go/service/config"
	"github.com/xavierScript/kora-go/service/events"
	"github.com/xavierScript/kora-go/service/fee"
	"github.com/xavierScript/kora-go/service/metrics"
	"github.com/xavierScript/kora-go/service/oracle"
	"github.com/xavierScript/kora-go/service/policy"
	"github.com/xavierScript/kora-go/service/server"
	"github.com/xavierScript/kora-go/service/signer"
	"github.com/xavierScript/kora-go/service/usage"
)

// Daemon exit codes.
const (
	exitConfigInvalid = 1
	exitSignerInit    = 2
	exitBindFailed    = 3
)

func main() {
	// Best effort: local development keeps secrets in a .env file.
	_ = godotenv.Load()

	logger := setupLogger(getEnvOrDefault("LOG_LEVEL", "info"))

	configPath := getEnvOrDefault("KORA_CONFIG", "kora.toml")
	signersPath := getEnvOrDefault("KORA_SIGNERS_CONFIG", "signers.toml")
	rpcURL := getEnvOrDefault("SOLANA_RPC_URL", "https://api.devnet.solana.com")
	addr := getEnvOrDefault("SERVER_ADDR", ":8080")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("invalid configuration", "path", configPath, "error", err)
		os.Exit(exitConfigInvalid)
	}
	signersCfg, err := config.LoadSigners(signersPath)
	if err != nil {
		logger.Error("invalid signers configuration", "path", signersPath, "error", err)
		os.Exit(exitConfigInvalid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(nil)
		logger.Info("metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	chainClient := chain.NewClient(chain.NewRPC(rpcURL), rpcURL, m, logger)
	logger.Info("initialized solana RPC client", "url", rpcURL)

	backend, err := buildCacheBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize cache backend", "error", err)
		os.Exit(exitConfigInvalid)
	}
	defer backend.Close()
	accounts := cache.NewAccounts(backend, chainClient,
		time.Duration(cfg.Kora.Cache.AccountTTL)*time.Second, m, logger)

	priceOracle := oracle.NewRetrying(oracle.ForSource(cfg.Validation.PriceSource), 3, time.Second)

	pool, err := signer.NewPool(ctx, signersCfg, cfg.Kora.PaymentAddress, logger)
	if err != nil {
		logger.Error("failed to initialize signer pool", "error", err)
		os.Exit(exitSignerInit)
	}

	engine, err := policy.NewEngine(&cfg.Validation, accounts, m, logger)
	if err != nil {
		logger.Error("failed to initialize policy engine", "error", err)
		os.Exit(exitConfigInvalid)
	}
	calculator := fee.NewCalculator(&cfg.Validation, priceOracle, accounts, chainClient, m, logger)
	verifier := fee.NewVerifier(&cfg.Validation, calculator, accounts, engine, m, logger)

	limiter, err := buildUsageLimiter(ctx, cfg, backend, logger)
	if err != nil {
		logger.Error("failed to initialize usage limiter", "error", err)
		os.Exit(exitConfigInvalid)
	}

	var publisher events.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		p, err := events.NewPublisher(natsURL, logger)
		if err != nil {
			logger.Warn("NATS unavailable, signing events disabled", "error", err)
		} else {
			publisher = p
		}
	}

	httpServer := server.New(addr, cfg, server.Deps{
		Pool:       pool,
		Engine:     engine,
		Calculator: calculator,
		Verifier:   verifier,
		Accounts:   accounts,
		Chain:      chainClient,
		Usage:      limiter,
		Publisher:  publisher,
		Metrics:    m,
	}, logger)

	httpServer.StartBalancePoller(ctx)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		if errors.Is(err, server.ErrBind) {
			os.Exit(exitBindFailed)
		}
		os.Exit(exitConfigInvalid)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(exitConfigInvalid)
		}
		logger.Info("server shutdown complete")
	}
}

// buildCacheBackend picks Redis when configured and enabled, else the
// in-process LRU.
func buildCacheBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Cache, error) {
	if cfg.Kora.Cache.Enabled && cfg.Kora.Cache.URL != "" {
		backend, err := cache.NewRedis(ctx, cfg.Kora.Cache.URL)
		if err != nil {
			return nil, err
		}
		logger.Info("using Redis cache backend")
		return backend, nil
	}
	logger.Info("using in-process cache backend")
	return cache.NewMemory(0), nil
}

// buildUsageLimiter prefers a dedicated shared store, then the main cache
// backend when it is Redis, then a process-local store.
func buildUsageLimiter(ctx context.Context, cfg *config.Config, backend cache.Cache, logger *slog.Logger) (*usage.Limiter, error) {
	var store usage.Store
	switch {
	case cfg.Kora.UsageLimit.CacheURL != "":
		shared, err := cache.NewRedis(ctx, cfg.Kora.UsageLimit.CacheURL)
		if err != nil {
			return nil, err
		}
		store = shared
	default:
		if shared, ok := backend.(*cache.Redis); ok {
			store = shared
		} else {
			if cfg.Kora.UsageLimit.Enabled {
				logger.Warn("usage limiting is process-local without a shared cache backend")
			}
			store = usage.NewMemoryStore()
		}
	}
	return usage.NewLimiter(&cfg.Kora.UsageLimit, store, logger), nil
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
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

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getEnvOrDefault returns the environment variable value or a default if
// not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
