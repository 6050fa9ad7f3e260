// Package view turns synchronizer state into what a client draws: rows with
// running totals, the spread banner and the selector options.
package view

import (
	"github.com/shopspring/decimal"

	"orderbook_go/internal/domain"
	"orderbook_go/pkg/numfmt"
)

// Depth is the number of visible levels per side.
const Depth = 11

var hundred = decimal.NewFromInt(100)

// Row is one visible level with running totals from the inside out.
type Row struct {
	Price              decimal.Decimal
	Size               decimal.Decimal
	CumulativeSize     decimal.Decimal
	CumulativeNotional decimal.Decimal
}

// Spread is the inside spread of the visible book.
type Spread struct {
	Value      decimal.Decimal
	Percentage string // Percent of mid price, three decimals
	Decimals   int    // Fractional digits the lowest ask is shown with
}

// Display is the book prepared for rendering. Asks are reversed so the best
// ask sits last, next to the spread; bids keep best first.
type Display struct {
	Coin        string
	Asks        []Row
	Bids        []Row
	MaxAskTotal decimal.Decimal
	MaxBidTotal decimal.Decimal
	Spread      *Spread // nil when either side is empty
}

// Build derives the display from a snapshot. It never mutates the snapshot.
func Build(book domain.BookSnapshot) Display {
	bids := truncate(book.Bids)
	asks := truncate(book.Asks)

	bidRows, bidTotal := accumulate(bids)
	askRows, askTotal := accumulate(asks)

	// Best ask nearest the spread
	for i, j := 0, len(askRows)-1; i < j; i, j = i+1, j-1 {
		askRows[i], askRows[j] = askRows[j], askRows[i]
	}

	return Display{
		Coin:        book.Coin,
		Asks:        askRows,
		Bids:        bidRows,
		MaxAskTotal: askTotal,
		MaxBidTotal: bidTotal,
		Spread:      insideSpread(bids, asks),
	}
}

func truncate(levels []domain.BookLevel) []domain.BookLevel {
	if len(levels) > Depth {
		return levels[:Depth]
	}
	return levels
}

func accumulate(levels []domain.BookLevel) ([]Row, decimal.Decimal) {
	rows := make([]Row, 0, len(levels))
	total, notional := decimal.Zero, decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Size)
		notional = notional.Add(l.Price.Mul(l.Size))
		rows = append(rows, Row{
			Price:              l.Price,
			Size:               l.Size,
			CumulativeSize:     total,
			CumulativeNotional: notional,
		})
	}
	return rows, total
}

func insideSpread(bids, asks []domain.BookLevel) *Spread {
	if len(bids) == 0 || len(asks) == 0 {
		return nil
	}

	lowestAsk := asks[0].Price
	for _, a := range asks[1:] {
		if a.Price.LessThan(lowestAsk) {
			lowestAsk = a.Price
		}
	}
	highestBid := bids[0].Price
	for _, b := range bids[1:] {
		if b.Price.GreaterThan(highestBid) {
			highestBid = b.Price
		}
	}

	value := lowestAsk.Sub(highestBid)
	mid := lowestAsk.Add(highestBid).Div(decimal.NewFromInt(2))

	return &Spread{
		Value:      value,
		Percentage: value.Div(mid).Mul(hundred).StringFixed(3),
		Decimals:   numfmt.FractionDigits(numfmt.Format(lowestAsk)),
	}
}
