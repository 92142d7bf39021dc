package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$1,234", 1234, true},
		{"₹45,670", 45670, true},
		{"USD 899.50", 899.50, true},
		{"€412", 412, true},
		{"1.234.56", 1234.56, true}, // locale with dot separators
		{"Call for price", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParsePrice(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.InDelta(t, tc.want, got, 0.001, "input %q", tc.in)
		}
	}
}

func TestCheapestFlightPrefersNumericMinimum(t *testing.T) {
	flights := []Flight{
		{Airline: "A", Price: "$1,100"},
		{Airline: "B", Price: "$987"},
		{Airline: "C", Price: "unavailable"},
	}
	best := CheapestFlight(flights)
	require.NotNil(t, best)
	assert.Equal(t, "B", best.Airline)
	assert.Equal(t, "$987", best.Price, "original display string preserved")
}

func TestCheapestFlightAllUnparseable(t *testing.T) {
	assert.Nil(t, CheapestFlight([]Flight{{Price: "sold out"}}))
	assert.Nil(t, CheapestFlight(nil))
}

func TestCheapestResultSpansPairs(t *testing.T) {
	results := []WorkerResult{
		{PairID: 1, Flights: []Flight{{Airline: "A", Price: "$900"}}},
		{PairID: 2, Flights: []Flight{{Airline: "B", Price: "$850"}, {Airline: "C", Price: "$1,300"}}},
		{PairID: 3, Flights: []Flight{}},
	}
	r, f := CheapestResult(results)
	require.NotNil(t, r)
	require.NotNil(t, f)
	assert.Equal(t, 2, r.PairID)
	assert.Equal(t, "$850", f.Price)
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 30, DaysInMonth(10, 2025)) // November
	assert.Equal(t, 31, DaysInMonth(11, 2026)) // December
	assert.Equal(t, 28, DaysInMonth(1, 2026))  // February
	assert.Equal(t, 29, DaysInMonth(1, 2028))  // leap February
	assert.Equal(t, 31, DaysInMonth(0, 2026))  // January
}
