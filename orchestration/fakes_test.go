package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fareminion/fareminion/browser"
	"github.com/fareminion/fareminion/browserbase"
	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// fakeSessions provisions synthetic sessions and records releases.
type fakeSessions struct {
	mu        sync.Mutex
	created   int
	closed    []string
	createErr func(call int) error
}

func (f *fakeSessions) CreateSession(ctx context.Context, opts browserbase.SessionOptions) (core.SessionHandle, error) {
	f.mu.Lock()
	f.created++
	call := f.created
	f.mu.Unlock()
	if f.createErr != nil {
		if err := f.createErr(call); err != nil {
			return core.SessionHandle{}, err
		}
	}
	return core.SessionHandle{
		SessionID:   "sess-" + time.Now().Format("150405.000000"),
		ControlURL:  "ws://fake",
		LiveViewURL: "https://live.example/view",
		CreatedAt:   time.Now(),
	}, nil
}

func (f *fakeSessions) CloseSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeSessions) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

// fakeDriver satisfies browser.Driver without a browser.
type fakeDriver struct {
	url      string
	navErr   error
	executed []core.Action
	mu       sync.Mutex
}

func (d *fakeDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	d.url = url
	return d.navErr
}

func (d *fakeDriver) Screenshot(ctx context.Context) (browser.Screenshot, error) {
	return browser.Screenshot{Data: []byte("png"), URL: d.url}, nil
}

func (d *fakeDriver) Execute(ctx context.Context, action core.Action) core.ActionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, action)
	return core.ActionResult{OK: true}
}

func (d *fakeDriver) InstallInterception(config browser.InterceptionConfig) error { return nil }
func (d *fakeDriver) Viewport() (int, int)                                        { return 1440, 900 }
func (d *fakeDriver) CurrentURL() (string, error)                                 { return d.url, nil }
func (d *fakeDriver) Close() error                                                { return nil }

type fakeDrivers struct {
	driver *fakeDriver
}

func (f fakeDrivers) Connect(ctx context.Context, session core.SessionHandle) (browser.Driver, error) {
	if f.driver != nil {
		return f.driver, nil
	}
	return &fakeDriver{}, nil
}

// scriptedProber returns verdicts in sequence, repeating the last.
type scriptedProber struct {
	mu       sync.Mutex
	verdicts []core.ReadinessVerdict
	i        int
}

func (p *scriptedProber) Probe(ctx context.Context, screenshot []byte) (core.ReadinessVerdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.verdicts[p.i]
	if p.i < len(p.verdicts)-1 {
		p.i++
	}
	return v, nil
}

func readyProber() *scriptedProber {
	return &scriptedProber{verdicts: []core.ReadinessVerdict{
		{IsReady: true, PageState: core.PageResultsReady, Confidence: 0.95},
	}}
}

// flakyProber fails its first N probes, then reports ready.
type flakyProber struct {
	mu       sync.Mutex
	failures int
	probes   int
}

func (p *flakyProber) Probe(ctx context.Context, screenshot []byte) (core.ReadinessVerdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.failures > 0 {
		p.failures--
		return core.ReadinessVerdict{}, fmt.Errorf("model returned status 500: %w", core.ErrRequestFailed)
	}
	return core.ReadinessVerdict{IsReady: true, PageState: core.PageResultsReady}, nil
}

// fakeExtractor returns fixed flights.
type fakeExtractor struct {
	flights []core.Flight
	err     error
}

func (e *fakeExtractor) Extract(ctx context.Context, driver browser.Driver, pair core.DatePair, progress core.ActionProgress) (core.ExtractionResult, error) {
	if e.err != nil {
		return core.ExtractionResult{}, e.err
	}
	return core.ExtractionResult{Success: true, Flights: e.flights, Summary: "ok"}, nil
}

// fakeSolver resolves challenges with a fixed answer.
type fakeSolver struct {
	solved bool
	calls  int
	mu     sync.Mutex
}

func (s *fakeSolver) Resolve(ctx context.Context, driver browser.Driver, pair core.DatePair, session core.SessionHandle, sink events.Sink) (bool, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.solved, nil
}

// localAnalyzer is the deterministic digest used by orchestrator tests.
type localAnalyzer struct{}

func (localAnalyzer) Analyze(ctx context.Context, results []core.WorkerResult, isPartial bool) core.Analysis {
	analysis := core.Analysis{Trends: []core.Trend{}, Recommendations: []string{}, IsPartial: isPartial}
	if _, f := core.CheapestResult(results); f != nil {
		analysis.Summary = "cheapest " + f.Price
	}
	return analysis
}

// recordingSink captures the ordered event stream.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range s.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func fastTimings() WorkerTimings {
	return WorkerTimings{
		StabilizeDelay:  time.Millisecond,
		ProbeInterval:   time.Millisecond,
		ProbeBackoff:    time.Millisecond,
		NavigateTimeout: time.Second,
	}
}

func testFlights() []core.Flight {
	return []core.Flight{
		{Airline: "United", Price: "$523", Duration: "7h 10m", Route: "JFK-LHR", Type: "round_trip"},
		{Airline: "Delta", Price: "$498", Duration: "7h 45m", Route: "JFK-LHR", Type: "round_trip"},
	}
}
