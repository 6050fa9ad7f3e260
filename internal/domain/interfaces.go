package domain

import (
	"context"
)

// FeedDialer opens a transport to the market-data feed.
type FeedDialer interface {
	Dial(ctx context.Context) (FeedClient, error)
}

// FeedClient is one open transport to the feed. It offers a point-in-time
// book request and a push subscription. Close releases the transport.
type FeedClient interface {
	FetchBook(ctx context.Context, coin string, level AggregationLevel) (BookSnapshot, error)
	SubscribeBook(ctx context.Context, coin string, level AggregationLevel, onUpdate func(BookSnapshot)) (Subscription, error)
	Close() error
}

// Subscription is a live push subscription, delivering until cancelled.
type Subscription interface {
	Unsubscribe() error
}

// ConfigRepository is the key/value store user settings are persisted in.
type ConfigRepository interface {
	SaveConfig(key, value string) error
	LoadConfig(key string) (string, bool, error)
}
