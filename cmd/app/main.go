package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"margin_go/internal/app"
	"margin_go/internal/domain"
	"margin_go/internal/execution"
	"margin_go/internal/feed"
	"margin_go/internal/gateway"
	"margin_go/internal/infra"
	"margin_go/internal/marketdata"
	"margin_go/internal/monitor"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := bootstrap.Config
	store := bootstrap.Storage
	metrics := bootstrap.Metrics
	classify := bootstrap.Classifier()
	engine := cfg.Engine

	// 4. Market data plumbing: price cache + subscription registry
	cache := marketdata.NewPriceCache(
		time.Duration(engine.PriceStalenessMS)*time.Millisecond, store)
	cache.StartEviction(ctx, time.Duration(engine.EvictIntervalSec)*time.Second)
	registry := marketdata.NewSubscriptionRegistry()

	// 5. Feed connectors, one per configured asset class
	heartbeat := time.Duration(engine.HeartbeatSec) * time.Second
	reconnectDelay := time.Duration(engine.ReconnectDelaySec) * time.Second
	connectors := make(map[domain.AssetClass]domain.FeedSubscriber)
	feedConfigs := map[domain.AssetClass]infra.FeedConfig{
		domain.AssetForex:   cfg.Feeds.Forex,
		domain.AssetCrypto:  cfg.Feeds.Crypto,
		domain.AssetIndices: cfg.Feeds.Indices,
	}
	for class, feedCfg := range feedConfigs {
		if feedCfg.WSURL == "" {
			continue
		}
		connector := feed.NewConnector(class, feedCfg, cache, registry, metrics, heartbeat, reconnectDelay, classify)
		if err := connector.Connect(ctx); err != nil {
			slog.Error("Failed to start feed connector",
				slog.String("class", string(class)), slog.Any("error", err))
		}
		defer connector.Disconnect()
		connectors[class] = connector
		slog.InfoContext(ctx, "✅ Feed connector started", slog.String("class", string(class)))
	}

	// 6. Execution service + monitors
	quotes := feed.NewQuoteClient(cfg.Quote.URL, time.Duration(cfg.Quote.TimeoutSec)*time.Second)
	exec := execution.NewService(store, store, store, store, store, quotes, metrics)

	orderMonitor := monitor.NewOrderMonitor(store, cache, exec,
		time.Duration(engine.OrderPollMS)*time.Millisecond)
	positionMonitor := monitor.NewPositionMonitor(store, cache, exec,
		time.Duration(engine.PositionPollMS)*time.Millisecond)
	metricsEngine := monitor.NewMetricsEngine(store, store, store, cache,
		time.Duration(engine.MetricsPollMS)*time.Millisecond)
	marginGuard := monitor.NewMarginGuard(store, store, cache, exec, metrics,
		engine.LiquidationThreshold, time.Duration(engine.MarginGuardPollMS)*time.Millisecond)

	orderMonitor.Start(ctx)
	defer orderMonitor.Stop()
	positionMonitor.Start(ctx)
	defer positionMonitor.Stop()
	metricsEngine.Start(ctx)
	defer metricsEngine.Stop()
	marginGuard.Start(ctx)
	defer marginGuard.Stop()
	slog.InfoContext(ctx, "✅ Monitors started")

	// 7. Inbound gateway for downstream subscribers
	gw := gateway.NewServer(cfg.Gateway.ListenAddr, registry, connectors, metrics, classify)
	go func() {
		if err := gw.Start(ctx); err != nil {
			slog.Error("Gateway failed", slog.Any("error", err))
		}
	}()
	defer gw.Stop()

	slog.InfoContext(ctx, "✨ Margin engine fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.InfoContext(ctx, "👋 Shutting down gracefully...")
}
