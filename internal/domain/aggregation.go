package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// AggregationLevel selects how many significant price digits the feed uses
// when bucketing levels. The zero value means full precision.
type AggregationLevel int

const (
	FullPrecision AggregationLevel = 0
	SigFigs2      AggregationLevel = 2
	SigFigs3      AggregationLevel = 3
	SigFigs4      AggregationLevel = 4
	SigFigs5      AggregationLevel = 5
)

// AggregationLevels lists every supported level, full precision first.
var AggregationLevels = []AggregationLevel{FullPrecision, SigFigs2, SigFigs3, SigFigs4, SigFigs5}

// IsValid reports whether the level is one the feed accepts.
func (a AggregationLevel) IsValid() bool {
	return a == FullPrecision || (a >= SigFigs2 && a <= SigFigs5)
}

// IsFull reports whether the level is full precision.
func (a AggregationLevel) IsFull() bool {
	return a == FullPrecision
}

// SigFigs returns the nSigFigs wire value (nil for full precision).
func (a AggregationLevel) SigFigs() *int {
	if a.IsFull() {
		return nil
	}
	n := int(a)
	return &n
}

// Key is the string form used as a map key ("null" for full precision).
func (a AggregationLevel) Key() string {
	if a.IsFull() {
		return "null"
	}
	return strconv.Itoa(int(a))
}

func (a AggregationLevel) String() string {
	if a.IsFull() {
		return "full"
	}
	return strconv.Itoa(int(a)) + "sf"
}

// ParseAggregationLevel parses a nullable sig-figs value.
func ParseAggregationLevel(sigFigs *int) (AggregationLevel, error) {
	if sigFigs == nil {
		return FullPrecision, nil
	}
	a := AggregationLevel(*sigFigs)
	if a.IsFull() || !a.IsValid() {
		return FullPrecision, fmt.Errorf("%w: %d", ErrInvalidAggregation, *sigFigs)
	}
	return a, nil
}

// MarshalJSON encodes full precision as null and the rest as integers.
func (a AggregationLevel) MarshalJSON() ([]byte, error) {
	if a.IsFull() {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(int(a))), nil
}

// UnmarshalJSON accepts null or one of 2..5.
func (a *AggregationLevel) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = FullPrecision
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAggregation, string(data))
	}
	level, err := ParseAggregationLevel(&n)
	if err != nil {
		return err
	}
	*a = level
	return nil
}
