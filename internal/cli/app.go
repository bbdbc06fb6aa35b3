// =================================
// File: internal/cli/app.go
// =================================
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/wallet-pnl/internal/cache"
	"github.com/rovshanmuradov/wallet-pnl/internal/config"
	"github.com/rovshanmuradov/wallet-pnl/internal/helius"
	"github.com/rovshanmuradov/wallet-pnl/internal/logger"
	"github.com/rovshanmuradov/wallet-pnl/internal/pipeline"
	"github.com/rovshanmuradov/wallet-pnl/internal/pnl"
	"github.com/rovshanmuradov/wallet-pnl/internal/pricing"
)

// app holds the wired component graph behind every subcommand.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	prices  *pricing.Cache
	store   *cache.Cache
	service *pnl.Service
}

// buildApp loads configuration and wires the full component graph. This
// is the fatal error path: anything that fails here aborts the command.
func buildApp(rc *rootConfig) (*app, error) {
	cfg, err := config.LoadConfig(rc.configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if rc.debug {
		cfg.DebugLogging = true
	}

	logCfg := logger.DefaultConfig()
	if cfg.LogFile != "" {
		logCfg.LogFile = cfg.LogFile
	}
	logCfg.Development = cfg.DebugLogging

	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	client := helius.NewClient(cfg.HeliusAPIKey, cfg.HeliusBaseURL, helius.Options{
		RequestsPerSecond: cfg.SignatureRPS,
		MaxTries:          cfg.TxRetries,
		Timeout:           time.Duration(cfg.TxBatchTimeout) * time.Second,
	}, log.Logger)

	var priceStore *pricing.Store
	if cfg.PriceCachePath != "" {
		priceStore, err = pricing.OpenStore(cfg.PriceCachePath)
		if err != nil {
			// The price cache survives restarts through the store; without
			// one the run still works, it just refetches.
			log.Warn("Price store unavailable, running without persistence",
				zap.Error(err))
			priceStore = nil
		}
	}

	fetcher := pricing.NewFetcher(cfg.PriceAPIKey, cfg.PriceBaseURL, cfg.PriceRPS, cfg.TxRetries, log.Logger)
	prices, err := pricing.NewCache(fetcher, priceStore, cfg.PriceBatchSize, cfg.PriceConcurrency, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("initialize price cache: %w", err)
	}

	store := cache.New(cache.Options{
		TTL:      time.Duration(cfg.CacheTTL) * time.Second,
		Capacity: cfg.CacheCapacity,
		RedisURL: cfg.RedisURL,
	}, log.Logger)

	pipe, err := pipeline.New(cfg, client, prices, log.Logger)
	if err != nil {
		return nil, err
	}

	service, err := pnl.NewService(cfg, pipe, prices, store, log.Logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		prices:  prices,
		store:   store,
		service: service,
	}, nil
}

// close flushes and tears down in reverse wiring order.
func (a *app) close() {
	a.store.Close()
	if err := a.prices.Close(); err != nil {
		a.log.LogError("Price cache close failed", err)
	}
	_ = a.log.Sync()
}

// watchProgress mirrors pipeline progress to stderr until ctx ends.
func (a *app) watchProgress(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-a.service.Progress():
				fmt.Fprintf(os.Stderr, "%s: %d/%d\n", ev.Stage, ev.Completed, ev.Total)
			}
		}
	}()
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
