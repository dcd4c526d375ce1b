// Package instrument maps user-facing instrument names to Deriv feed symbols.
package instrument

// DefaultFeedSymbol is used for every instrument missing from the table.
const DefaultFeedSymbol = "R_100"

const defaultInstrument = "Volatility 75 Index"

var feedSymbols = map[string]string{
	"Volatility 10 Index":  "R_10",
	"Volatility 25 Index":  "R_25",
	"Volatility 50 Index":  "R_50",
	"Volatility 75 Index":  "R_75",
	"Volatility 100 Index": "R_100",
}

// selector order as offered to the UI
var instruments = []string{
	"Volatility 75 Index",
	"Volatility 100 Index",
	"Volatility 50 Index",
	"Volatility 25 Index",
	"Volatility 10 Index",
	"Boom 1000",
	"Boom 500",
	"Crash 1000",
	"Crash 500",
	"Step Index",
}

// FeedSymbolFor is total: unmapped instruments resolve to DefaultFeedSymbol.
func FeedSymbolFor(instrument string) string {
	if sym, ok := feedSymbols[instrument]; ok {
		return sym
	}
	return DefaultFeedSymbol
}

// Instruments returns a copy of the selectable instrument set.
func Instruments() []string {
	out := make([]string, len(instruments))
	copy(out, instruments)
	return out
}

// IsKnown reports whether instrument belongs to the selectable set.
func IsKnown(instrument string) bool {
	for _, name := range instruments {
		if name == instrument {
			return true
		}
	}
	return false
}

// Default returns the instrument selected on startup.
func Default() string { return defaultInstrument }
