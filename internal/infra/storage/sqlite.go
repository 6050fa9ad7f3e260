package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"orderbook_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage persists coin metadata and user settings in SQLite.
// It satisfies domain.ConfigRepository.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at dbPath. An empty path
// resolves to the per-user config directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		var err error
		dbPath, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(&domain.CoinInfo{}, &domain.AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "OrderbookGo", "data", "orderbook.db"), nil
}

// ======================================================================================
// Coin Operations
// ======================================================================================

// UpsertCoin creates or updates coin metadata
func (s *Storage) UpsertCoin(coin *domain.CoinInfo) error {
	return s.db.Save(coin).Error
}

// GetCoin retrieves coin metadata by symbol
func (s *Storage) GetCoin(symbol string) (*domain.CoinInfo, error) {
	var coin domain.CoinInfo
	err := s.db.First(&coin, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &coin, nil
}

// GetActiveCoins retrieves active coins ordered by symbol
func (s *Storage) GetActiveCoins() ([]domain.CoinInfo, error) {
	var coins []domain.CoinInfo
	err := s.db.Where("is_active = ?", true).Order("symbol").Find(&coins).Error
	return coins, err
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a user configuration
func (s *Storage) SaveConfig(key, value string) error {
	config := domain.AppConfig{
		Key:   key,
		Value: value,
	}
	return s.db.Save(&config).Error
}

// LoadConfig loads one user configuration. ok is false when the key was never saved.
func (s *Storage) LoadConfig(key string) (string, bool, error) {
	var config domain.AppConfig
	err := s.db.Where(&domain.AppConfig{Key: key}).First(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return config.Value, true, nil
}
