package domain

// PreferencesKey is the storage key the preference mapping lives under.
const PreferencesKey = "orderBookSettings"

// DisplayPreference is the per-instrument display setting persisted across sessions.
type DisplayPreference struct {
	Aggregation  AggregationLevel `json:"sigFigs"`
	Denomination Denomination     `json:"denomination"`
}

// Preferences maps instrument symbol to its display preference.
type Preferences map[string]DisplayPreference

// DefaultPreference is used for instruments with nothing stored.
func DefaultPreference() DisplayPreference {
	return DisplayPreference{
		Aggregation:  SigFigs2,
		Denomination: DenominationUSD,
	}
}
