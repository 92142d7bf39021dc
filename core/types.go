package core

import (
	"fmt"
	"time"
)

// SearchMode selects between a single fixed date pair and a flexible
// month-wide expansion.
type SearchMode string

const (
	SearchModeFixed    SearchMode = "fixed"
	SearchModeFlexible SearchMode = "flexible"
)

// SearchRequest is the inbound search document. Fixed mode carries explicit
// departure/return dates; flexible mode carries a month (0-based, as the
// source UI sends it), year and trip duration in days.
type SearchRequest struct {
	SearchMode SearchMode `json:"search_mode"`
	From       string     `json:"from"`
	To         string     `json:"to"`

	// Fixed mode
	DepDate string `json:"dep_date,omitempty"` // YYYY-MM-DD
	RetDate string `json:"ret_date,omitempty"` // YYYY-MM-DD

	// Flexible mode
	Month        int `json:"month,omitempty"` // 0..11
	Year         int `json:"year,omitempty"`
	TripDuration int `json:"trip_duration,omitempty"` // days
}

// DaysInMonth returns the number of days in a 0-based month of a year.
func DaysInMonth(month, year int) int {
	// day 0 of the next month is the last day of this month
	return time.Date(year, time.Month(month+2), 0, 0, 0, 0, 0, time.UTC).Day()
}

// Validate checks structural request invariants. Violations are
// configuration errors and abort the request.
func (r *SearchRequest) Validate() error {
	if r.From == "" || r.To == "" {
		return fmt.Errorf("origin and destination are required: %w", ErrInvalidConfiguration)
	}
	switch r.SearchMode {
	case SearchModeFixed:
		if r.DepDate == "" || r.RetDate == "" {
			return fmt.Errorf("fixed search requires dep_date and ret_date: %w", ErrInvalidConfiguration)
		}
		for _, d := range []string{r.DepDate, r.RetDate} {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return fmt.Errorf("invalid date %q: %w", d, ErrInvalidConfiguration)
			}
		}
	case SearchModeFlexible:
		if r.Month < 0 || r.Month > 11 {
			return fmt.Errorf("month must be 0..11, got %d: %w", r.Month, ErrInvalidConfiguration)
		}
		if r.Year < 1 {
			return fmt.Errorf("year is required: %w", ErrInvalidConfiguration)
		}
		if r.TripDuration < 1 {
			return fmt.Errorf("trip_duration must be at least 1 day: %w", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("unknown search_mode %q: %w", r.SearchMode, ErrInvalidConfiguration)
	}
	return nil
}

// DatePair is one (departure, return) combination to be searched.
// PairID is the 1-based enumeration index, stable for the request.
type DatePair struct {
	PairID  int    `json:"pair_id"`
	DepDate string `json:"dep_date"`
	RetDate string `json:"ret_date"`
}

// SessionHandle identifies a remote-browser session. It is owned
// exclusively by one worker and destroyed when that worker terminates.
type SessionHandle struct {
	SessionID   string    `json:"session_id"`
	ControlURL  string    `json:"control_url"`
	LiveViewURL string    `json:"live_view_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// PageState classifies the current page as seen by the readiness prober.
type PageState string

const (
	PageLoading      PageState = "loading"
	PageCaptcha      PageState = "captcha"
	PageResultsReady PageState = "results_ready"
	PageNoResults    PageState = "no_results"
	PageError        PageState = "error"
	PageUnknown      PageState = "unknown"
)

// ReadinessVerdict is the prober's classification of a screenshot.
type ReadinessVerdict struct {
	IsReady    bool      `json:"is_ready"`
	PageState  PageState `json:"page_state"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
}

// Flight is a single extracted result row. Price is kept as the original
// display string; numeric comparison goes through ParsePrice.
type Flight struct {
	Airline  string `json:"airline"`
	Price    string `json:"price"`
	Duration string `json:"duration"`
	Route    string `json:"route"`
	Stops    string `json:"stops,omitempty"`
	Type     string `json:"type"`
}

// WorkerFailure describes the terminal failure of a worker.
type WorkerFailure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WorkerResult is the single terminal product of a worker.
type WorkerResult struct {
	PairID        int            `json:"pair_id"`
	DepDate       string         `json:"dep_date"`
	RetDate       string         `json:"ret_date"`
	Flights       []Flight       `json:"flights"`
	CheapestPrice *string        `json:"cheapest_price,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Failure       *WorkerFailure `json:"failure,omitempty"`
}

// ExtractionResult is the structured output of the LLM extraction driver.
type ExtractionResult struct {
	Success  bool     `json:"success"`
	FinalURL string   `json:"final_url"`
	Flights  []Flight `json:"flights"`
	Summary  string   `json:"summary"`
}

// CheapestOption is the analyzer's pick of the best pair so far.
type CheapestOption struct {
	DepDate   string `json:"dep_date"`
	RetDate   string `json:"ret_date"`
	Price     string `json:"price"`
	Airline   string `json:"airline"`
	Reasoning string `json:"reasoning"`
}

// Trend is one observation in the analyzer's digest.
type Trend struct {
	Observation string `json:"observation"`
	Impact      string `json:"impact"`
}

// Analysis is the progressive digest over the current aggregate.
type Analysis struct {
	CheapestOption  *CheapestOption `json:"cheapest_option,omitempty"`
	Trends          []Trend         `json:"trends"`
	Recommendations []string        `json:"recommendations"`
	Summary         string          `json:"summary"`
	IsPartial       bool            `json:"is_partial"`
}
