package view

import (
	"sort"

	"orderbook_go/internal/domain"
	"orderbook_go/pkg/numfmt"
)

// Unknown labels a level whose reference spread is not known yet.
const Unknown = "—"

// Option is one entry of the aggregation selector.
type Option struct {
	SigFigs  domain.AggregationLevel `json:"sig_figs"`
	Label    string                  `json:"label"`
	Selected bool                    `json:"selected"`
}

// AggregationOptions lists the selectable levels, labelled by reference
// spread. Levels whose spread equals an earlier level's are dropped and the
// rest are sorted by spread, narrowest first. Before spreads are known every
// level is offered with an Unknown label.
func AggregationOptions(spreads domain.ReferenceSpreads, selected domain.AggregationLevel) []Option {
	if len(spreads) == 0 {
		opts := make([]Option, 0, len(domain.AggregationLevels))
		for _, level := range domain.AggregationLevels {
			opts = append(opts, Option{SigFigs: level, Label: Unknown, Selected: level == selected})
		}
		return opts
	}

	type entry struct {
		level domain.AggregationLevel
		known bool
	}
	var entries []entry
	for _, level := range domain.AggregationLevels {
		v, known := spreads[level]
		dup := false
		for _, e := range entries {
			ev, eknown := spreads[e.level]
			if eknown == known && (!known || ev.Equal(v)) {
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, entry{level: level, known: known})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.known != b.known {
			return a.known
		}
		if !a.known {
			return false
		}
		return spreads[a.level].LessThan(spreads[b.level])
	})

	opts := make([]Option, 0, len(entries))
	for _, e := range entries {
		opts = append(opts, Option{
			SigFigs:  e.level,
			Label:    OptionLabel(spreads, e.level),
			Selected: e.level == selected,
		})
	}
	return opts
}

// OptionLabel formats a level's reference spread with grouping and at most
// three fractional digits.
func OptionLabel(spreads domain.ReferenceSpreads, level domain.AggregationLevel) string {
	v, ok := spreads[level]
	if !ok {
		return Unknown
	}
	return numfmt.FormatFixed(v, 0, numfmt.DefaultMaxFraction)
}
