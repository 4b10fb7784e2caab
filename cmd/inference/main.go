// Inference process: the dynamic batching engine fronting the
// BatchExecutor.
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

	"github.com/0xkanth/batchgate/internal/audit"
	"github.com/0xkanth/batchgate/internal/batching"
	"github.com/0xkanth/batchgate/internal/config"
	"github.com/0xkanth/batchgate/internal/inference"
	"github.com/0xkanth/batchgate/internal/obs"
	"github.com/0xkanth/batchgate/pkg/executor"
)

const serviceName = "batchgate-inference"

func main() {
	logger := obs.New(serviceName)
	logger.Info().Msg("starting batchgate inference")

	configPath := "inference.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	obs.SetLevel(logger, cfg.LogLevel)

	var ready atomic.Bool

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

	batcherCfg := batching.BatcherConfig{
		MaxBatchSize:  cfg.MaxBatchSize,
		BatchTimeout:  cfg.BatchTimeout,
		NumCollectors: cfg.NumCollectors,
		NumWorkers:    cfg.NumWorkers,
		QueueCapacity: cfg.QueueCapacity,
	}
	batcher := batching.New(batcherCfg, executor.NewDeterministicHash(), publisher, *logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batcher.Start(ctx)
	ready.Store(true)
	logger.Info().
		Int("max_batch_size", cfg.MaxBatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Int("num_collectors", cfg.NumCollectors).
		Int("num_workers", cfg.NumWorkers).
		Msg("batcher started")

	server := inference.NewServer(batcher, cfg.RequestMaxLen, cfg.RequestDefault, *logger, ready.Load)

	appServer := &http.Server{
		Addr:    formatAddr(cfg.BindAddress, cfg.Port),
		Handler: server.Router(),
	}
	go func() {
		logger.Info().Str("address", appServer.Addr).Msg("starting inference http server")
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("inference http server error")
		}
	}()

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: server.MetricsHandler(),
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

	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting new /embed requests before tearing down the batcher,
	// so no request can offer onto a queue nothing is left to drain.
	if err := appServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("inference http server shutdown error")
	}

	cancel()
	batcher.Stop()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

func formatAddr(bindAddress string, port int) string {
	return fmt.Sprintf("%s:%d", bindAddress, port)
}
