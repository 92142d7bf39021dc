package core

import (
	"strconv"
	"strings"
	"unicode"
)

// ParsePrice extracts a numeric value from a display price string such as
// "$1,234", "₹45,670" or "USD 899.50". Currency symbols and thousands
// separators are stripped; the original string is never modified for
// output, only for comparison. Returns false when no digits are present.
func ParsePrice(s string) (float64, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		case r == ',':
			// thousands separator, dropped
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}
	// Multiple dots can survive odd locales ("1.234.56"); keep the last as
	// the decimal point.
	if strings.Count(cleaned, ".") > 1 {
		last := strings.LastIndex(cleaned, ".")
		cleaned = strings.ReplaceAll(cleaned[:last], ".", "") + cleaned[last:]
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CheapestFlight returns the flight with the numerically minimal parseable
// price, or nil when none parses.
func CheapestFlight(flights []Flight) *Flight {
	var best *Flight
	var bestPrice float64
	for i := range flights {
		v, ok := ParsePrice(flights[i].Price)
		if !ok {
			continue
		}
		if best == nil || v < bestPrice {
			best = &flights[i]
			bestPrice = v
		}
	}
	return best
}

// CheapestResult returns the worker result holding the overall cheapest
// parseable price, together with that flight. Returns nils when the
// aggregate has no parseable price at all.
func CheapestResult(results []WorkerResult) (*WorkerResult, *Flight) {
	var bestResult *WorkerResult
	var bestFlight *Flight
	var bestPrice float64
	for i := range results {
		f := CheapestFlight(results[i].Flights)
		if f == nil {
			continue
		}
		v, _ := ParsePrice(f.Price)
		if bestResult == nil || v < bestPrice {
			bestResult = &results[i]
			bestFlight = f
			bestPrice = v
		}
	}
	return bestResult, bestFlight
}
