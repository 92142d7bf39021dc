// Package orchestration runs a search end to end: it expands the request
// into date pairs, fans workers out in bounded batches, and folds their
// results into the progressive event stream.
package orchestration

import (
	"fmt"
	"time"

	"github.com/fareminion/fareminion/core"
)

// ExpandRequest turns a validated search request into its date pairs.
// Fixed mode yields exactly one pair. Flexible mode slides a trip-length
// window across the month: departures on day 1 through days−duration,
// returns rolling into the next month when the window crosses it.
func ExpandRequest(req *core.SearchRequest) ([]core.DatePair, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.SearchMode == core.SearchModeFixed {
		return []core.DatePair{{
			PairID:  1,
			DepDate: req.DepDate,
			RetDate: req.RetDate,
		}}, nil
	}

	days := core.DaysInMonth(req.Month, req.Year)
	if req.TripDuration >= days {
		return []core.DatePair{}, nil
	}

	// Departures run through days−duration+1, so the last window's return
	// lands on the first day of the next month.
	lastStart := days - req.TripDuration + 1
	pairs := make([]core.DatePair, 0, lastStart)
	for day := 1; day <= lastStart; day++ {
		dep := time.Date(req.Year, time.Month(req.Month+1), day, 0, 0, 0, 0, time.UTC)
		ret := dep.AddDate(0, 0, req.TripDuration)
		pairs = append(pairs, core.DatePair{
			PairID:  day,
			DepDate: dep.Format("2006-01-02"),
			RetDate: ret.Format("2006-01-02"),
		})
	}
	return pairs, nil
}

// ResultsURL builds the flight search results URL for one date pair.
func ResultsURL(req *core.SearchRequest, pair core.DatePair) string {
	return fmt.Sprintf(
		"https://www.google.com/travel/flights?q=flights%%20from%%20%s%%20to%%20%s%%20on%%20%s%%20returning%%20%s",
		req.From, req.To, pair.DepDate, pair.RetDate,
	)
}
