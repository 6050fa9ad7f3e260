package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"orderbook_go/internal/app"
	"orderbook_go/internal/infra"
	httpapi "orderbook_go/internal/interfaces/http"

	_ "net/http/pprof" // For pprof profiling
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()
	cfg := bootstrap.Config

	// 2. Pprof Server (for performance profiling)
	if cfg.Server.Pprof != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", cfg.Server.Pprof))
			if err := http.ListenAndServe(cfg.Server.Pprof, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Background Asset Sync
	go bootstrap.SyncAssets(ctx)

	// 5. HTTP + view websocket
	handler := httpapi.NewHandler(ctx, httpapi.Options{
		Dialer:            bootstrap.Dialer,
		Preferences:       bootstrap.Preferences,
		Coins:             bootstrap.Storage,
		IconDir:           bootstrap.Downloader.BasePath(),
		DefaultInstrument: cfg.View.DefaultInstrument,
		Metrics:           infra.MetricsHandler(bootstrap.Registry),
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("✅ HTTP server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("👋 Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		handler.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}
