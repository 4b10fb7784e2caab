// Gateway process: auth, sliding-window rate limiting, and proxying in
// front of the Inference process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/0xkanth/batchgate/internal/audit"
	"github.com/0xkanth/batchgate/internal/auth"
	"github.com/0xkanth/batchgate/internal/config"
	"github.com/0xkanth/batchgate/internal/gateway"
	"github.com/0xkanth/batchgate/internal/obs"
	"github.com/0xkanth/batchgate/internal/ratelimit"
)

const serviceName = "batchgate-gateway"

func main() {
	logger := obs.New(serviceName)
	logger.Info().Msg("starting batchgate gateway")

	configPath := "gateway.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	obs.SetLevel(logger, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.CounterStoreURL})
	defer redisClient.Close()

	var rateLimitingDisabled atomic.Bool
	if err := ratelimit.Probe(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("counter store unreachable at startup")
		if cfg.BypassRateLimits {
			rateLimitingDisabled.Store(true)
		} else {
			logger.Fatal().Msg("counter store unreachable and bypass_rate_limits is false")
		}
	}
	limiter := ratelimit.New(redisClient, cfg.RateLimitMinute, cfg.RateLimitHour, cfg.BypassRateLimits, *logger)

	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create postgres pool")
	}
	defer pgPool.Close()

	directory := auth.NewPostgresKeyDirectory(pgPool)
	var keyDirectory auth.KeyDirectory = directory
	var cache *auth.Cached
	if cfg.AuthCachePath != "" {
		cache, err = auth.NewCached(directory, cfg.AuthCachePath, time.Minute)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open auth cache")
		}
		defer cache.Close()
		keyDirectory = cache
	}
	authenticator := auth.New(keyDirectory)

	var publisher *audit.Publisher
	if cfg.AuditNATSURL != "" {
		publisher, err = audit.New(cfg.AuditNATSURL, *logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create audit publisher")
		}
	} else {
		publisher = audit.NewNoop()
		logger.Info().Msg("audit publishing disabled (audit_nats_url unset)")
	}
	defer publisher.Close()

	ready := func() bool {
		return pgPool.Ping(ctx) == nil
	}
	rateLimitingActive := func() bool {
		return !rateLimitingDisabled.Load()
	}

	server := gateway.NewServer(authenticator, limiter, publisher, cfg.InferenceURL, cfg.UpstreamTimeout, cfg.MaxIdleConnsHost, *logger, ready, rateLimitingActive)

	appServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler: server.Router(),
	}
	go func() {
		logger.Info().Str("address", appServer.Addr).Msg("starting gateway http server")
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("gateway http server error")
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := appServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("gateway http server shutdown error")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}
