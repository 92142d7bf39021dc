package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fareminion/fareminion/core"
)

const analyzerSystemPrompt = `You are a flight pricing analyst. You receive the flight results
collected so far across several date combinations of the same route. More
combinations may still be in flight, indicated by is_partial.

Produce a digest for a traveler deciding when to book:
- cheapest_option: the best date pair and fare seen so far
- trends: price patterns across the dates (weekday vs weekend, early vs late month)
- recommendations: concrete, actionable advice
- summary: two or three sentences

When is_partial is true, hedge accordingly ("so far", "among completed searches").

Respond with JSON only:
{"cheapest_option": {"dep_date": "...", "ret_date": "...", "price": "...", "airline": "...", "reasoning": "..."} | null,
 "trends": [{"observation": "...", "impact": "..."}],
 "recommendations": ["..."],
 "summary": "..."}`

// Analyzer produces the progressive digest emitted after each worker
// completion. Model failures degrade to a deterministic local analysis so
// the stream never stalls on the analyzer.
type Analyzer struct {
	generator Generator
	logger    core.Logger
}

// NewAnalyzer creates a progressive analyzer.
func NewAnalyzer(generator Generator, logger core.Logger) *Analyzer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Analyzer{generator: generator, logger: logger}
}

// Analyze digests the aggregate collected so far. isPartial reports whether
// workers are still running.
func (a *Analyzer) Analyze(ctx context.Context, results []core.WorkerResult, isPartial bool) core.Analysis {
	payload, err := json.Marshal(map[string]interface{}{
		"is_partial": isPartial,
		"results":    results,
	})
	if err != nil {
		return a.fallback(results, isPartial)
	}

	resp, err := a.generator.Generate(ctx, Request{
		System:     analyzerSystemPrompt,
		Parts:      []Part{{Text: string(payload)}},
		JSONOutput: true,
	})
	if err != nil {
		a.logger.Warn("Analysis model turn failed, using local digest", map[string]interface{}{
			"operation": "analyze",
			"error":     err.Error(),
		})
		return a.fallback(results, isPartial)
	}

	var analysis core.Analysis
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &analysis); err != nil {
		a.logger.Warn("Unparseable analysis, using local digest", map[string]interface{}{
			"operation": "analyze",
			"raw":       truncate([]byte(resp.Text), 200),
		})
		return a.fallback(results, isPartial)
	}

	analysis.IsPartial = isPartial
	if analysis.Trends == nil {
		analysis.Trends = []core.Trend{}
	}
	if analysis.Recommendations == nil {
		analysis.Recommendations = []string{}
	}
	return analysis
}

// fallback is the deterministic digest: cheapest parseable fare across the
// aggregate, no trends.
func (a *Analyzer) fallback(results []core.WorkerResult, isPartial bool) core.Analysis {
	analysis := core.Analysis{
		Trends:          []core.Trend{},
		Recommendations: []string{},
		IsPartial:       isPartial,
	}

	bestResult, bestFlight := core.CheapestResult(results)
	if bestResult == nil {
		analysis.Summary = "No priced flight results yet."
		return analysis
	}

	analysis.CheapestOption = &core.CheapestOption{
		DepDate:   bestResult.DepDate,
		RetDate:   bestResult.RetDate,
		Price:     bestFlight.Price,
		Airline:   bestFlight.Airline,
		Reasoning: "lowest fare across collected results",
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cheapest fare %s (%s) departing %s, returning %s",
		bestFlight.Price, bestFlight.Airline, bestResult.DepDate, bestResult.RetDate)
	if isPartial {
		b.WriteString(", with more combinations still searching.")
	} else {
		b.WriteString(".")
	}
	analysis.Summary = b.String()
	return analysis
}
