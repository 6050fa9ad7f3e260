package domain

// Instruments is the fixed set of tradable coins the view supports.
var Instruments = []string{"BTC", "ETH"}

// DefaultInstrument is selected when no valid instrument is requested.
const DefaultInstrument = "BTC"

// QuoteCurrency is the notional denomination every instrument is quoted in.
const QuoteCurrency = "USD"

// IsSupportedInstrument reports whether symbol is in the supported set.
func IsSupportedInstrument(symbol string) bool {
	for _, s := range Instruments {
		if s == symbol {
			return true
		}
	}
	return false
}

// Denomination is the unit size/total columns are displayed in:
// either the instrument itself or USD notional.
type Denomination string

const DenominationUSD Denomination = QuoteCurrency

// IsUSD reports whether sizes are shown as USD notional.
func (d Denomination) IsUSD() bool {
	return d == DenominationUSD
}

// ValidFor reports whether d is selectable for the given instrument.
func (d Denomination) ValidFor(symbol string) bool {
	return d == DenominationUSD || string(d) == symbol
}

// DenominationOptions returns the selectable denominations for an instrument.
func DenominationOptions(symbol string) []Denomination {
	return []Denomination{Denomination(symbol), DenominationUSD}
}
