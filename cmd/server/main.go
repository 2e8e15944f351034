package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/alerts"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/cache"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/clock"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/config"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/fetcher"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/httpapi"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/observ"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/prices"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/ratelimit"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/scheduler"
	"github.com/ZeeanVeljee/strategy-btc-dashboard/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := observ.NewLogger(cfg.Log.Level, cfg.Log.Format)
	clk := clock.System()

	priceCache := cache.New(
		time.Duration(cfg.Cache.TTLMinSeconds)*time.Second,
		time.Duration(cfg.Cache.TTLMaxSeconds)*time.Second,
		clk, logger)
	limiter := ratelimit.New(time.Duration(cfg.RateLimit.WindowSeconds)*time.Second, clk, logger)

	sources, err := upstream.Sources(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("building upstream sources failed")
	}

	fallbacks := make(map[prices.Key]prices.Value, len(cfg.Keys))
	for _, spec := range cfg.Keys {
		fallbacks[prices.Key(spec.Key)] = spec.Fallback.Value
	}

	f := fetcher.New(priceCache, limiter, sources, fetcher.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
		Window:     time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		Quotas:     cfg.Quotas(),
		Fallbacks:  fallbacks,
	}, clk, logger)

	notifier := alerts.New(cfg.Alerts.SlackWebhookURL,
		time.Duration(cfg.Alerts.DedupeWindowSeconds)*time.Second, logger)

	sched := scheduler.New(f, priceCache,
		time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second,
		time.Duration(cfg.Scheduler.RefreshThresholdSeconds)*time.Second,
		clk, logger, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.SeedOnStartup {
		sched.Seed(ctx)
	}
	sched.Start()

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}, httpapi.Deps{
		Fetcher:   f,
		Cache:     priceCache,
		Limiter:   limiter,
		Scheduler: sched,
		Notifier:  notifier,
		Quotas:    cfg.Quotas(),
		Clock:     clk,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		sched.Stop()
		notifier.Close()
		logger.WithError(err).Fatal("http server failed")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown was not clean")
	}
	notifier.Close()
	logger.Info("shutdown complete")
}
