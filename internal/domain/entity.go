package domain

import (
	"time"
)

// CoinInfo is the stored metadata for a selectable instrument
type CoinInfo struct {
	Symbol       string    `gorm:"primaryKey" json:"symbol"`
	Name         string    `json:"name"`
	Quote        string    `json:"quote"`     // Quote currency, e.g. USD
	IconPath     string    `json:"icon_path"` // Local path of the resized icon
	IsActive     bool      `json:"is_active" gorm:"index"`
	LastSyncedAt time.Time `json:"last_synced_at"` // Last icon sync time
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Pair is the display name of the instrument's market, e.g. BTC-USD.
func (c *CoinInfo) Pair() string {
	if c.Quote == "" {
		return c.Symbol + "-" + QuoteCurrency
	}
	return c.Symbol + "-" + c.Quote
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
