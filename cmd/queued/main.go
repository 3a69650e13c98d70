package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ppuertot/queue-processor-system/internal/api"
	"github.com/ppuertot/queue-processor-system/internal/broker"
	"github.com/ppuertot/queue-processor-system/internal/config"
	"github.com/ppuertot/queue-processor-system/internal/dispatch"
	"github.com/ppuertot/queue-processor-system/internal/handler"
	"github.com/ppuertot/queue-processor-system/internal/lifecycle"
	"github.com/ppuertot/queue-processor-system/internal/metrics"
	"github.com/ppuertot/queue-processor-system/internal/retry"
	"github.com/ppuertot/queue-processor-system/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	setupLogging(cfg)

	st, err := openStore(cfg)
	if err != nil {
		log.Error().Err(err).Msg("store unreachable")
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	br, err := openBroker(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("broker unreachable")
		return 1
	}
	defer br.Close()

	registry := handler.NewRegistry()
	handler.RegisterBuiltins(registry)

	engine := retry.NewEngine(cfg.MaxRetryDelay)
	coord := lifecycle.NewCoordinator(st, br, engine, cfg.Queues, log.Logger)

	if err := coord.Recover(ctx, cfg.StaleThreshold); err != nil {
		log.Error().Err(err).Msg("boot recovery failed")
		return 1
	}

	retention := lifecycle.NewRetention(coord)
	if err := retention.Start(ctx, cfg.RetentionSweep); err != nil {
		log.Error().Err(err).Str("spec", cfg.RetentionSweep).Msg("invalid retention sweep schedule")
		return 1
	}
	defer retention.Stop()

	dispatcher := dispatch.New(coord, br, registry, cfg.Queues, dispatch.Options{
		PromoteInterval: cfg.PromoteInterval,
		ShutdownGrace:   cfg.ShutdownGrace,
	}, log.Logger)
	dispatcher.Start(ctx)

	agg := metrics.NewAggregator(st, br)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewServer(coord, agg, cfg.Development(), log.Logger),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("broker", string(cfg.BrokerDriver)).Str("store", string(cfg.DBDriver)).Msg("queue processor listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
		return 1
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(httpCtx)

	if err := dispatcher.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("dispatcher shutdown incomplete")
	}

	log.Info().Msg("goodbye")
	return 0
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Development() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.StorePostgres:
		return store.OpenPostgres(cfg.PostgresDSN(), cfg.DBPoolSize)
	default:
		return store.OpenSQLite(cfg.DBPath)
	}
}

func openBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	switch cfg.BrokerDriver {
	case config.BrokerRedis:
		return broker.NewRedisBroker(ctx, broker.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return broker.NewMemoryBroker(), nil
	}
}
