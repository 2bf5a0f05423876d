package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tradeguard/internal/api"
	"tradeguard/internal/cfg"
	"tradeguard/internal/common"
	"tradeguard/internal/execution"
	"tradeguard/internal/gateway"
	"tradeguard/internal/marketdata"
	"tradeguard/internal/metrics"
	"tradeguard/internal/resilience"
	"tradeguard/internal/risk"
	"tradeguard/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c.LogLevel, c.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	engine := initializeEngine(c, mw, store)
	exe := initializeExecutor(c, mw)

	cache := marketdata.NewCache(c.MarketMaxAge)
	feed := marketdata.NewFeed(marketdata.FeedConfig{
		URL:     c.WsURL,
		Symbols: c.Symbols,
		Ping:    c.Ping,
		Retry:   c.Retry,
	}, cache, exe, marketdata.WithCounters(mw.WSReconnects(), mw.MarketUpdates()))

	client := gateway.New(gateway.Config{
		Key:               c.Key,
		Secret:            c.Secret,
		BaseURL:           c.BaseURL,
		Timeout:           c.RESTTimeout,
		RequestsPerSecond: c.RequestsPerSecond,
		DryRun:            c.DryRun,
	}, gateway.WithMetrics(mw))

	svc := execution.New(engine, exe, client, cache, c.Retry)
	admin := api.NewServer(engine, exe.Registry(), c.AdminPort, api.WithSubmitter(svc))

	startMetricsServer(ctx, c)
	if err := admin.Start(); err != nil {
		log.Fatal().Err(err).Msg("admin API start failed")
	}

	var wg sync.WaitGroup
	startMarketFeed(ctx, &wg, feed)
	startLedgerSaver(ctx, &wg, engine, store, c.LedgerSaveInterval)

	log.Info().
		Strs("symbols", c.Symbols).
		Bool("dry_run", c.DryRun).
		Int("admin_port", c.AdminPort).
		Int("metrics_port", c.MetricsPort).
		Msg("trade guard started")

	waitForShutdown(ctx, cancel, &wg)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin API shutdown incomplete")
	}
	saveLedger(engine, store)
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == common.DefaultLogFormat {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// initializeStorage opens the audit store under DATA_PATH. The service keeps
// running without persistence if it cannot.
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		log.Warn().Err(err).Str("path", c.DataPath).Msg("cannot create data directory, continuing without persistence")
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// initializeEngine builds the risk engine and restores the last saved ledger.
func initializeEngine(c cfg.Settings, mw *metrics.MetricsWrapper, store *storage.Store) *risk.Engine {
	opts := []risk.Option{risk.WithMetrics(mw)}
	if store != nil {
		opts = append(opts, risk.WithAuditSink(store))
	}
	engine := risk.NewEngine(c.Limits, opts...)

	if store == nil {
		return engine
	}
	snap, err := store.LoadLedger()
	switch {
	case errors.Is(err, storage.ErrNoSnapshot):
		log.Info().Msg("no ledger snapshot found, starting with an empty ledger")
	case err != nil:
		log.Warn().Err(err).Msg("failed to load ledger snapshot, starting with an empty ledger")
	default:
		engine.RestoreLedger(snap)
		log.Info().Time("taken_at", snap.TakenAt).Int("users", len(snap.Daily)).Msg("ledger restored")
	}
	return engine
}

// initializeExecutor creates the retry executor and applies per-breaker overrides.
func initializeExecutor(c cfg.Settings, mw *metrics.MetricsWrapper) *resilience.Executor {
	exe := resilience.NewExecutor(c.Breaker, resilience.WithExecutorMetrics(mw))
	for _, name := range []string{common.BreakerExchangeOrders, common.BreakerMarketData} {
		exe.Registry().Configure(name, c.BreakerConfig(name))
	}
	for name, config := range c.Breakers {
		exe.Registry().Configure(name, config)
	}
	return exe
}

// startMetricsServer serves /metrics and /health on MetricsPort.
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	go func() {
		mux := http.NewServeMux()

		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		mux.Handle("/metrics", promhttp.Handler())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", c.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			<-ctx.Done()
			if err := server.Shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("metrics server shutdown failed")
			}
		}()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Int("port", c.MetricsPort).Msg("metrics server stopped")
		}
	}()
}

func startMarketFeed(ctx context.Context, wg *sync.WaitGroup, feed *marketdata.Feed) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("market data feed ended")
		}
	}()
}

// startLedgerSaver snapshots the ledger to storage every interval.
func startLedgerSaver(ctx context.Context, wg *sync.WaitGroup, engine *risk.Engine, store *storage.Store, interval time.Duration) {
	if store == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				saveLedger(engine, store)
			}
		}
	}()
}

func saveLedger(engine *risk.Engine, store *storage.Store) {
	if store == nil {
		return
	}
	if err := store.SaveLedger(engine.SnapshotLedger()); err != nil {
		log.Error().Err(err).Msg("failed to save ledger snapshot")
		return
	}
	log.Debug().Msg("ledger snapshot saved")
}

// waitForShutdown blocks until SIGINT/SIGTERM, then cancels ctx and gives the
// feed and ledger saver up to ten seconds to drain.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("stopping trade guard")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("background workers stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("background workers did not stop in time")
	}
}
