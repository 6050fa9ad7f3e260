package engine

import (
	"fmt"

	"orderbook_go/internal/domain"
	"orderbook_go/pkg/numfmt"
)

// DeriveReferenceSpreads estimates the spread at every aggregation level from a
// full-precision snapshot.
//
// With d the larger significant-digit count of the best bid and best ask, the
// estimate for k significant figures is spreadFull when k == d and
// spreadFull * 10^(d-k) otherwise. This is a magnitude heuristic for labelling,
// not a re-aggregation of the book.
//
// Significant digits exclude trailing zeros of the integer part: 3000 has 1,
// 100000.1 has 7.
func DeriveReferenceSpreads(full domain.BookSnapshot) (domain.ReferenceSpreads, error) {
	bid, ok := full.BestBid()
	if !ok {
		return nil, fmt.Errorf("%w: no bids", domain.ErrMalformedBook)
	}
	ask, ok := full.BestAsk()
	if !ok {
		return nil, fmt.Errorf("%w: no asks", domain.ErrMalformedBook)
	}

	spreadFull := ask.Price.Sub(bid.Price)
	d := max(
		numfmt.SignificantDigits(bid.Price, false),
		numfmt.SignificantDigits(ask.Price, false),
	)

	spreads := domain.ReferenceSpreads{domain.FullPrecision: spreadFull}
	for _, k := range domain.AggregationLevels {
		if k.IsFull() {
			continue
		}
		if int(k) == d {
			spreads[k] = spreadFull
			continue
		}
		spreads[k] = spreadFull.Shift(int32(d - int(k)))
	}
	return spreads, nil
}
