package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// BookLevel is a single aggregated price level as supplied by the feed.
type BookLevel struct {
	Price decimal.Decimal `json:"px"`
	Size  decimal.Decimal `json:"sz"`
	// Orders is the number of resting orders at this level (0 when unknown).
	Orders int `json:"n"`
}

// BookSnapshot is a complete replacement view of the visible book.
// Bids are ordered by descending price, asks by ascending price.
// A snapshot is never mutated once built; updates replace it wholesale.
type BookSnapshot struct {
	Coin string      `json:"coin"`
	Time int64       `json:"time"` // Unix milliseconds (feed clock)
	Bids []BookLevel `json:"bids"`
	Asks []BookLevel `json:"asks"`
}

// BestBid returns the top-of-book bid, if any.
func (b *BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top-of-book ask, if any.
func (b *BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// ParseBookLevel validates a raw price/size pair at the ingestion boundary.
// Price must be positive and size non-negative.
func ParseBookLevel(px, sz string, n int) (BookLevel, error) {
	price, err := decimal.NewFromString(px)
	if err != nil {
		return BookLevel{}, fmt.Errorf("%w: price %q: %v", ErrMalformedBook, px, err)
	}
	if !price.IsPositive() {
		return BookLevel{}, fmt.Errorf("%w: non-positive price %q", ErrMalformedBook, px)
	}
	size, err := decimal.NewFromString(sz)
	if err != nil {
		return BookLevel{}, fmt.Errorf("%w: size %q: %v", ErrMalformedBook, sz, err)
	}
	if size.IsNegative() {
		return BookLevel{}, fmt.Errorf("%w: negative size %q", ErrMalformedBook, sz)
	}
	return BookLevel{Price: price, Size: size, Orders: n}, nil
}

// ReferenceSpreads maps each aggregation level to an estimated best bid/ask
// gap. It labels the level selector only and is computed once per connection.
type ReferenceSpreads map[AggregationLevel]decimal.Decimal

// MarshalJSON encodes the mapping keyed by AggregationLevel.Key.
func (r ReferenceSpreads) MarshalJSON() ([]byte, error) {
	out := make(map[string]decimal.Decimal, len(r))
	for k, v := range r {
		out[k.Key()] = v
	}
	return json.Marshal(out)
}
