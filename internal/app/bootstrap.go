package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/infra"
	"orderbook_go/internal/infra/hyperliquid"
	"orderbook_go/internal/infra/storage"
	"orderbook_go/internal/service"
)

// maxConcurrentDownloads bounds icon fetches during asset sync.
const maxConcurrentDownloads = 5

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config      *infra.Config
	Storage     *storage.Storage
	Downloader  *infra.IconDownloader
	Dialer      *hyperliquid.Dialer
	Preferences *service.PreferenceStore
	Registry    *prometheus.Registry
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB, feed dialer)
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("🚀 Bootstrapping order book view...", slog.String("feed", cfg.Feed.WSURL))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	b.Preferences = service.NewPreferenceStore(store)
	slog.Info("✅ Database initialized")

	// 4. Initialize Icon Downloader
	downloader, err := infra.NewIconDownloader(cfg)
	if err != nil {
		return err
	}
	b.Downloader = downloader
	slog.Info("✅ Icon downloader ready", slog.String("path", downloader.BasePath()))

	// 5. Feed dialer and metrics
	b.Dialer = hyperliquid.NewDialer(cfg)
	b.Registry = infra.NewMetricsRegistry(infra.GlobalMetrics)

	return nil
}

// SyncAssets registers the supported instruments in storage and fetches
// their icons in the background. Failures are logged and never fatal.
func (b *Bootstrap) SyncAssets(ctx context.Context) {
	slog.Info("🔄 Starting asset synchronization...")

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)

	for _, symbol := range domain.Instruments {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			b.syncCoin(ctx, symbol)
			return nil
		})
	}

	g.Wait()
	slog.Info("✨ Asset synchronization completed")
}

func (b *Bootstrap) syncCoin(ctx context.Context, sym string) {
	// 1. Upsert to DB
	coin := &domain.CoinInfo{
		Symbol:    sym,
		Name:      sym, // Default to symbol until dynamic lookup
		Quote:     domain.QuoteCurrency,
		IsActive:  true,
		UpdatedAt: time.Now(),
	}

	// Keep the known icon until a fresh download replaces it
	if existing, _ := b.Storage.GetCoin(sym); existing != nil {
		coin.IconPath = existing.IconPath
		coin.LastSyncedAt = existing.LastSyncedAt
		coin.CreatedAt = existing.CreatedAt
	}

	if err := b.Storage.UpsertCoin(coin); err != nil {
		slog.Error("Failed to upsert coin", slog.String("symbol", sym), slog.Any("error", err))
	}

	// 2. Download Icon (if missing)
	path, err := b.Downloader.DownloadIcon(ctx, sym)
	if err != nil {
		slog.Warn("Failed to download icon", slog.String("symbol", sym), slog.Any("error", err))
		return
	}
	if path != "" {
		coin.IconPath = path
		coin.LastSyncedAt = time.Now()
		if err := b.Storage.UpsertCoin(coin); err != nil {
			slog.Error("Failed to update icon path", slog.String("symbol", sym), slog.Any("error", err))
		}
	}
}

// Close releases storage.
func (b *Bootstrap) Close() {
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
	}
}
