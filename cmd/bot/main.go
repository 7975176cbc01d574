package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/camuig/coin-arena/internal/ai"
	"github.com/camuig/coin-arena/internal/backtest"
	"github.com/camuig/coin-arena/internal/config"
	"github.com/camuig/coin-arena/internal/engine"
	"github.com/camuig/coin-arena/internal/executor"
	"github.com/camuig/coin-arena/internal/indicator"
	"github.com/camuig/coin-arena/internal/logger"
	"github.com/camuig/coin-arena/internal/market"
	"github.com/camuig/coin-arena/internal/risk"
	"github.com/camuig/coin-arena/internal/scheduler"
	"github.com/camuig/coin-arena/internal/storage"
	"github.com/camuig/coin-arena/internal/telegram"
	"github.com/camuig/coin-arena/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	// Init logger
	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting coin-arena",
		"coins", strings.Join(cfg.Trading.Coins, ","),
		"interval", cfg.Trading.Interval.String())

	// Init database
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	// Context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := repo.SeedModels(ctx, cfg.Models, cfg.Trading.InitialCapital)
	if err != nil {
		log.Error("seed models failed", "error", err)
		os.Exit(1)
	}
	if created > 0 {
		log.Info("models seeded", "count", created)
	}

	// Init services
	cache := market.NewCache(ctx, repo, log.With("component", "market_cache"))
	priceSources, historySources, limiters := market.NewSources(cfg.Market)
	marketData := market.NewAggregator(cache, limiters, priceSources, historySources, cfg.Market, log.With("component", "market"))
	indicators := indicator.NewEngine(marketData, cfg.Indicators, log.With("component", "indicator"))
	provider := ai.NewProvider(cfg.AI, nil, log.With("component", "ai"))
	riskManager := risk.NewManager(repo, cfg.Risk, log.With("component", "risk"))
	notifier := telegram.NewNotifier(cfg.Telegram, log)
	exec := executor.NewExecutor(notifier, cfg.Trading, log.With("component", "executor"))
	orchestrator := engine.NewOrchestrator(repo, marketData, indicators, provider, riskManager, exec, notifier, cfg, log.With("component", "engine"))
	sched := scheduler.NewScheduler(orchestrator, repo, cfg.Trading, log.With("component", "scheduler"))

	// Start scheduler in goroutine
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	// Start web server in goroutine
	var webServer *web.Server
	if cfg.Web.Enabled {
		backtester := backtest.NewBacktester(marketData, provider, cfg, log.With("component", "backtest"))
		webServer = web.NewServer(web.Services{
			Store:      repo,
			Prices:     marketData,
			History:    marketData,
			Risk:       riskManager,
			Trigger:    sched,
			Liquidator: orchestrator,
			Backtester: backtester,
		}, cfg, log.With("component", "web"))
		go func() {
			if err := webServer.Start(); err != nil {
				log.Error("web server error", "error", err)
			}
		}()
	}

	notifier.NotifyStatus(fmt.Sprintf("🤖 coin-arena started (%d coins)", len(cfg.Trading.Coins)))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	cancel() // stop scheduler

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if webServer != nil {
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			log.Error("web server shutdown error", "error", err)
		}
	}

	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Warn("scheduler did not stop before shutdown deadline")
	}

	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Error("database close error", "error", err)
		}
	}

	notifier.NotifyStatus("🛑 coin-arena stopped")
	log.Info("coin-arena stopped")
}
