package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"xwatch/internal/bot"
	"xwatch/internal/config"
	"xwatch/internal/health"
	"xwatch/internal/ledger"
	"xwatch/internal/scheduler"
	"xwatch/internal/subs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	for _, path := range []string{cfg.DatabasePath, cfg.SubscriptionsPath} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				log.Error("create data directory", "path", dir, "error", err)
				os.Exit(1)
			}
		}
	}

	store, err := subs.Open(cfg.SubscriptionsPath, cfg.DefaultIntervalSec, cfg.MinIntervalSec)
	if err != nil {
		log.Error("open subscription store", "path", cfg.SubscriptionsPath, "error", err)
		os.Exit(1)
	}

	led, err := ledger.NewSQLite(cfg.DatabasePath, ledger.DefaultCapacity)
	if err != nil {
		log.Error("open delivery ledger", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = led.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// One-time import of legacy per-subscription watermarks into the
	// account cursor store; repeat runs are no-ops.
	if seeds := store.LegacyCursorSeeds(); len(seeds) > 0 {
		if err := led.ImportLegacyCursors(ctx, seeds); err != nil {
			log.Error("import legacy cursors", "error", err)
			os.Exit(1)
		}
		log.Info("imported legacy cursors", "accounts", len(seeds))
	}

	b, err := bot.New(cfg.TelegramBotToken, store, cfg, log)
	if err != nil {
		log.Error("create bot", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(store, led, cfg.RSSHubBaseURL, cfg.RSSHubRefreshSeconds, b, log)
	healthSrv := health.New(cfg.HealthAddr, store, log)

	log.Info("starting bot")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		healthSrv.Run(ctx)
	}()

	b.Run(ctx)

	// In-flight poll cycles finish their ledger writes before the
	// database is closed.
	wg.Wait()

	log.Info("bot stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
