// Package numfmt formats prices and sizes for display.
//
// Two modes exist. With explicit fractional-digit bounds the value is rounded
// (half away from zero) and grouped with commas. Without bounds the number of
// significant digits decides: values with five or more are grouped with at most
// three fractional digits, shorter ones are padded to five significant digits.
package numfmt

import (
	"math/big"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

const (
	// MinSignificant is the significant-digit count short values are padded to.
	MinSignificant = 5
	// DefaultMaxFraction is the fractional-digit cap of the ungrouped-precision mode.
	DefaultMaxFraction = 3
)

// SignificantDigits counts the significant digits of d. With includeZeros the
// trailing zeros of the integer part are counted too (100000 has 6, not 1).
// Zero has one significant digit.
func SignificantDigits(d decimal.Decimal, includeZeros bool) int {
	if d.IsZero() {
		return 1
	}
	// String never uses exponent notation and trims fractional trailing zeros.
	s := d.Abs().String()
	digits := strings.TrimLeft(strings.Replace(s, ".", "", 1), "0")
	if !includeZeros {
		digits = strings.TrimRight(digits, "0")
	}
	return len(digits)
}

// Format applies the significant-digit rule.
func Format(d decimal.Decimal) string {
	if d.IsZero() {
		return "0"
	}
	sd := SignificantDigits(d, true)
	if sd >= MinSignificant {
		return FormatFixed(d, 0, DefaultMaxFraction)
	}
	pad := MinSignificant - sd
	return FormatFixed(d, pad, pad)
}

// FormatFixed rounds d to maxFrac fractional digits, keeps at least minFrac of
// them (trailing zeros beyond minFrac are dropped) and groups the integer part.
func FormatFixed(d decimal.Decimal, minFrac, maxFrac int) string {
	if maxFrac < minFrac {
		maxFrac = minFrac
	}
	s := d.StringFixed(int32(maxFrac))

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	intPart, frac, _ := strings.Cut(s, ".")
	for len(frac) > minFrac && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}

	out := group(intPart)
	if frac != "" {
		out += "." + frac
	}
	if neg && strings.Trim(intPart+frac, "0") != "" {
		out = "-" + out
	}
	return out
}

// FractionDigits returns how many digits follow the decimal point in a
// formatted number.
func FractionDigits(formatted string) int {
	_, frac, ok := strings.Cut(formatted, ".")
	if !ok {
		return 0
	}
	return len(frac)
}

func group(intPart string) string {
	b, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return intPart
	}
	return humanize.BigComma(b)
}
