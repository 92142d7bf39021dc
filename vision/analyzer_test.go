package vision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fareminion/fareminion/core"
)

func sampleResults() []core.WorkerResult {
	return []core.WorkerResult{
		{
			PairID: 1, DepDate: "2026-11-01", RetDate: "2026-11-26",
			Flights: []core.Flight{
				{Airline: "Air Canada", Price: "$1,150", Type: "round_trip"},
				{Airline: "United", Price: "$987", Type: "round_trip"},
			},
		},
		{
			PairID: 2, DepDate: "2026-11-02", RetDate: "2026-11-27",
			Flights: []core.Flight{
				{Airline: "Emirates", Price: "$1,420", Type: "round_trip"},
			},
		},
	}
}

func TestAnalyzeParsesModelDigest(t *testing.T) {
	gen := &scriptedGenerator{responses: []*Response{
		textResponse(`{"cheapest_option": {"dep_date": "2026-11-01", "ret_date": "2026-11-26", "price": "$987", "airline": "United", "reasoning": "lowest so far"},
			"trends": [{"observation": "early month cheaper", "impact": "book early"}],
			"recommendations": ["watch pair 1"],
			"summary": "Prices so far favor early November."}`),
	}}
	a := NewAnalyzer(gen, nil)

	analysis := a.Analyze(context.Background(), sampleResults(), true)
	require.NotNil(t, analysis.CheapestOption)
	assert.Equal(t, "$987", analysis.CheapestOption.Price)
	assert.True(t, analysis.IsPartial)
	assert.Len(t, analysis.Trends, 1)
}

func TestAnalyzeModelFailureFallsBack(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []*Response{nil},
		errs:      []error{assert.AnError},
	}
	a := NewAnalyzer(gen, nil)

	analysis := a.Analyze(context.Background(), sampleResults(), false)
	require.NotNil(t, analysis.CheapestOption)
	assert.Equal(t, "$987", analysis.CheapestOption.Price)
	assert.Equal(t, "United", analysis.CheapestOption.Airline)
	assert.False(t, analysis.IsPartial)
	assert.Empty(t, analysis.Trends)
	assert.Empty(t, analysis.Recommendations)
}

func TestAnalyzeFallbackIsDeterministic(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []*Response{nil},
		errs:      []error{assert.AnError, assert.AnError},
	}
	a := NewAnalyzer(gen, nil)

	first := a.Analyze(context.Background(), sampleResults(), true)
	second := a.Analyze(context.Background(), sampleResults(), true)
	assert.Equal(t, first, second)
}

func TestAnalyzeEmptyAggregate(t *testing.T) {
	gen := &scriptedGenerator{
		responses: []*Response{nil},
		errs:      []error{assert.AnError},
	}
	a := NewAnalyzer(gen, nil)

	analysis := a.Analyze(context.Background(), nil, true)
	assert.Nil(t, analysis.CheapestOption)
	assert.NotEmpty(t, analysis.Summary)
}

func TestAnalyzeUnparseableOutputFallsBack(t *testing.T) {
	gen := &scriptedGenerator{responses: []*Response{
		textResponse("I think the cheapest flight is United."),
	}}
	a := NewAnalyzer(gen, nil)

	analysis := a.Analyze(context.Background(), sampleResults(), true)
	require.NotNil(t, analysis.CheapestOption)
	assert.Equal(t, "$987", analysis.CheapestOption.Price)
}
