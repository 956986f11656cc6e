package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"giftradar/internal/alert"
	"giftradar/internal/backend"
	"giftradar/internal/config"
	"giftradar/internal/dedup"
	"giftradar/internal/enrich"
	"giftradar/internal/listing"
	"giftradar/internal/pipeline"
	"giftradar/internal/server"
	"giftradar/internal/telegram"
	"giftradar/internal/tonapi"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel)

	logger.Info("giftradar starting",
		slog.Int("port", cfg.Port),
		slog.String("stream_url", cfg.StreamURL),
		slog.Int("watch_accounts", len(cfg.WatchAccounts)),
	)

	markets := listing.NewMarkets(cfg.WatchAccounts, cfg.MarketLabels)
	api := tonapi.NewClient(cfg.APIBaseURL, cfg.APIToken, logger)
	enricher := enrich.New(api, markets,
		time.Duration(cfg.MetaTTLMinutes)*time.Minute,
		time.Duration(cfg.SalesTTLMinutes)*time.Minute,
		logger)
	seen := dedup.New(time.Duration(cfg.DedupTTLMinutes)*time.Minute, cfg.DedupCapacity)
	tg := telegram.NewClient(cfg.BotToken, cfg.ChatID, cfg.AppURL, logger)
	prefs := backend.NewClient(cfg.BackendURL, cfg.BackendToken, cfg.BackendUserKey, logger)
	formatter := &alert.Formatter{
		FloorPrices:  cfg.Floors,
		LowBudgetMax: cfg.LowBudget,
		HasLowBudget: cfg.HasBudget,
		BuyTemplate:  cfg.BuyURLTemplate,
	}

	// One-shot mode: send a single alert built from TEST_* overrides, then
	// exit. Useful for verifying token/chat/formatting without waiting for
	// a real listing.
	for _, a := range os.Args[1:] {
		if a == "--test-alert" {
			if err := sendTestAlert(formatter, tg, logger); err != nil {
				logger.Error("test alert failed", slog.String("err", err.Error()))
				os.Exit(1)
			}
			logger.Info("test alert sent")
			return
		}
	}

	stream := tonapi.NewWSStream(cfg.StreamURL, cfg.APIToken, cfg.WatchAccounts,
		time.Duration(cfg.ReconnectSeconds)*time.Second, logger)

	pipe := pipeline.New(api, seen, enricher, prefs, tg, formatter, markets, cfg.CollectionFilter, logger)

	srv := server.NewHTTPServer(stream, pipe, seen, enricher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go stream.Run(ctx, func(connected bool) {
		if connected {
			logger.Info("stream connected")
		} else {
			logger.Warn("stream disconnected")
		}
	})

	go pipe.Run(ctx, stream.Traces())

	// Surface transport errors; the stream reconnects on its own.
	go func() {
		for err := range stream.Errors() {
			if err != nil {
				logger.Error("stream error", slog.String("err", err.Error()))
			}
		}
	}()

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	cancel()
	stream.Close()
	<-done
	logger.Info("bye")
}

// sendTestAlert builds a listing from TEST_* environment overrides and
// pushes it through the formatter and dispatcher.
func sendTestAlert(formatter *alert.Formatter, tg *telegram.Client, logger *slog.Logger) error {
	l := listing.Listing{
		AssetID:     envOr("TEST_ASSET_ID", "0:"+testHexSuffix),
		Model:       os.Getenv("TEST_MODEL"),
		Serial:      os.Getenv("TEST_SERIAL"),
		MarketLabel: envOr("TEST_MARKET", "Market"),
		ImageURL:    os.Getenv("TEST_IMAGE"),
	}
	if raw := os.Getenv("TEST_PRICE"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("TEST_PRICE: %w", err)
		}
		l.Price, l.HasPrice = d, true
	}

	caption := formatter.Caption(l, nil)
	buyURL := formatter.BuyURL(l.MarketLabel, l.AssetID)
	logger.Info("sending test alert", slog.String("asset", l.AssetID))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return tg.SendListingAlert(ctx, caption, l.ImageURL, buyURL)
}

const testHexSuffix = "0000000000000000000000000000000000000000000000000000000000000000"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
