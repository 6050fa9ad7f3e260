package view

import (
	"github.com/shopspring/decimal"

	"orderbook_go/internal/domain"
	"orderbook_go/internal/engine"
	"orderbook_go/pkg/numfmt"
)

// FrameRow is one formatted row. BarWidth is the depth bar in percent.
type FrameRow struct {
	Price    string  `json:"price"`
	Size     string  `json:"size"`
	Total    string  `json:"total"`
	BarWidth float64 `json:"bar_width"`
}

// SpreadBanner is the formatted inside spread.
type SpreadBanner struct {
	Value      string `json:"value"`
	Percentage string `json:"percentage"`
}

// Frame is everything a client needs to draw the order book once.
// When Ready is false the client shows its skeleton.
type Frame struct {
	Coin                string                  `json:"coin"`
	Pair                string                  `json:"pair"`
	Denomination        domain.Denomination     `json:"denomination"`
	Aggregation         domain.AggregationLevel `json:"sig_figs"`
	Connection          engine.ConnectionState  `json:"connection"`
	Loading             engine.LoadingState     `json:"loading"`
	Ready               bool                    `json:"ready"`
	Headers             [3]string               `json:"headers"`
	Asks                []FrameRow              `json:"asks"`
	Bids                []FrameRow              `json:"bids"`
	Spread              *SpreadBanner           `json:"spread,omitempty"`
	AggregationLabel    string                  `json:"sig_figs_label"`
	AggregationOptions  []Option                `json:"sig_figs_options"`
	DenominationOptions []domain.Denomination   `json:"denomination_options"`
}

// Render formats the current state for the given denomination.
func Render(state engine.ViewState, denom domain.Denomination) Frame {
	f := Frame{
		Coin:                state.Coin,
		Denomination:        denom,
		Aggregation:         state.Aggregation,
		Connection:          state.Connection,
		Loading:             state.Loading,
		Headers:             [3]string{"Price", "Size (" + string(denom) + ")", "Total (" + string(denom) + ")"},
		Asks:                []FrameRow{},
		Bids:                []FrameRow{},
		AggregationLabel:    OptionLabel(state.ReferenceSpreads, state.Aggregation),
		AggregationOptions:  AggregationOptions(state.ReferenceSpreads, state.Aggregation),
	}
	if state.Coin != "" {
		f.Pair = state.Coin + "-" + domain.QuoteCurrency
		f.DenominationOptions = domain.DenominationOptions(state.Coin)
	}

	f.Ready = state.Book != nil && state.Loading == engine.LoadingIdle && len(state.ReferenceSpreads) > 0
	if state.Book == nil {
		return f
	}

	d := Build(*state.Book)
	f.Asks = formatRows(d.Asks, d.MaxAskTotal, denom)
	f.Bids = formatRows(d.Bids, d.MaxBidTotal, denom)
	if d.Spread != nil {
		f.Spread = &SpreadBanner{
			Value:      numfmt.FormatFixed(d.Spread.Value, d.Spread.Decimals, d.Spread.Decimals),
			Percentage: d.Spread.Percentage,
		}
	}
	return f
}

func formatRows(rows []Row, maxTotal decimal.Decimal, denom domain.Denomination) []FrameRow {
	out := make([]FrameRow, 0, len(rows))
	for _, r := range rows {
		fr := FrameRow{
			Price:    numfmt.Format(r.Price),
			BarWidth: barWidth(r.CumulativeSize, maxTotal),
		}
		if denom.IsUSD() {
			fr.Size = numfmt.FormatFixed(r.Price.Mul(r.Size), 0, 0)
			fr.Total = numfmt.FormatFixed(r.CumulativeNotional, 0, 0)
		} else {
			fr.Size = numfmt.FormatFixed(r.Size, 4, 4)
			fr.Total = numfmt.FormatFixed(r.CumulativeSize, 4, 4)
		}
		out = append(out, fr)
	}
	return out
}

func barWidth(total, maxTotal decimal.Decimal) float64 {
	if !maxTotal.IsPositive() {
		return 0
	}
	return total.Div(maxTotal).Mul(hundred).Round(2).InexactFloat64()
}
