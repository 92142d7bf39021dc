package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

func testRequest() *core.SearchRequest {
	return &core.SearchRequest{
		SearchMode: core.SearchModeFixed,
		From:       "JFK",
		To:         "LHR",
		DepDate:    "2026-06-15",
		RetDate:    "2026-06-22",
	}
}

func testPair() core.DatePair {
	return core.DatePair{PairID: 1, DepDate: "2026-06-15", RetDate: "2026-06-22"}
}

func newTestWorker(sessions *fakeSessions, prober ReadinessProber, extractor FlightExtractor, solver CaptchaSolver) *Worker {
	return &Worker{
		Sessions:  sessions,
		Drivers:   fakeDrivers{},
		Prober:    prober,
		Extractor: extractor,
		Solver:    solver,
		Timings:   fastTimings(),
	}
}

func TestWorkerHappyPath(t *testing.T) {
	sessions := &fakeSessions{}
	w := newTestWorker(sessions, readyProber(), &fakeExtractor{flights: testFlights()}, &fakeSolver{})
	sink := &recordingSink{}

	result, err := w.Run(context.Background(), testRequest(), testPair(), sink)
	require.NoError(t, err)

	assert.Equal(t, 1, result.PairID)
	assert.Len(t, result.Flights, 2)
	require.NotNil(t, result.CheapestPrice)
	assert.Equal(t, "$498", *result.CheapestPrice)

	created := sink.byType(events.TypeSessionCreated)
	require.Len(t, created, 1)
	assert.Equal(t, "https://live.example/view", created[0].Payload["live_view_url"])

	// Terminal per-pair events belong to the orchestrator.
	assert.Empty(t, sink.byType(events.TypeMinionCompleted))

	assert.Equal(t, 1, sessions.closedCount(), "session must be released")
}

func TestWorkerStampsRoundTripType(t *testing.T) {
	extractor := &fakeExtractor{flights: []core.Flight{
		{Airline: "United", Price: "$523", Type: "outbound"},
		{Airline: "Delta", Price: "$498"},
	}}
	w := newTestWorker(&fakeSessions{}, readyProber(), extractor, &fakeSolver{})

	result, err := w.Run(context.Background(), testRequest(), testPair(), &recordingSink{})
	require.NoError(t, err)
	require.Len(t, result.Flights, 2)
	for _, f := range result.Flights {
		assert.Equal(t, "round_trip", f.Type)
	}
}

func TestWorkerNoResultsIsSuccess(t *testing.T) {
	sessions := &fakeSessions{}
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageNoResults, Confidence: 0.9},
	}}
	w := newTestWorker(sessions, prober, &fakeExtractor{}, &fakeSolver{})
	sink := &recordingSink{}

	result, err := w.Run(context.Background(), testRequest(), testPair(), sink)
	require.NoError(t, err)
	assert.Empty(t, result.Flights)
	assert.Nil(t, result.CheapestPrice)
	assert.Nil(t, result.Failure)
	assert.Contains(t, result.Summary, "no flights")

	assert.Equal(t, 1, sessions.closedCount())
}

func TestWorkerWaitsThroughLoading(t *testing.T) {
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageLoading},
		{PageState: core.PageLoading},
		{IsReady: true, PageState: core.PageResultsReady},
	}}
	w := newTestWorker(&fakeSessions{}, prober, &fakeExtractor{flights: testFlights()}, &fakeSolver{})
	sink := &recordingSink{}

	_, err := w.Run(context.Background(), testRequest(), testPair(), sink)
	require.NoError(t, err)
	assert.Len(t, sink.byType(events.TypeLoading), 2)
}

func TestWorkerSolvedCaptchaResumesProbing(t *testing.T) {
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageCaptcha},
		{IsReady: true, PageState: core.PageResultsReady},
	}}
	solver := &fakeSolver{solved: true}
	w := newTestWorker(&fakeSessions{}, prober, &fakeExtractor{flights: testFlights()}, solver)
	sink := &recordingSink{}

	result, err := w.Run(context.Background(), testRequest(), testPair(), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, solver.calls)
	assert.Len(t, result.Flights, 2)
}

func TestWorkerUnsolvedCaptchaResumesProbing(t *testing.T) {
	// The challenge stands after one solve round, but the next probe finds
	// results: an unsolved captcha must not terminate the attempt.
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageCaptcha},
		{IsReady: true, PageState: core.PageResultsReady},
	}}
	solver := &fakeSolver{solved: false}
	w := newTestWorker(&fakeSessions{}, prober, &fakeExtractor{flights: testFlights()}, solver)
	sink := &recordingSink{}

	result, err := w.Run(context.Background(), testRequest(), testPair(), sink)
	require.NoError(t, err)
	assert.Equal(t, 1, solver.calls)
	assert.Len(t, result.Flights, 2)
	assert.Empty(t, sink.byType(events.TypeMinionFailedFinal))
}

func TestWorkerPersistentCaptchaRunsIntoDeadline(t *testing.T) {
	// The page never leaves the captcha state and the solver never clears
	// it; the worker deadline is the only bound.
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageCaptcha},
	}}
	solver := &fakeSolver{solved: false}
	sessions := &fakeSessions{}
	w := newTestWorker(sessions, prober, &fakeExtractor{}, solver)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := w.Run(ctx, testRequest(), testPair(), &recordingSink{})
	require.Error(t, err)
	assert.True(t, core.IsWorkerTimeout(err), "deadline, not captcha, ends the attempt: %v", err)
	assert.Greater(t, solver.calls, 1, "solver re-invoked on each captcha probe")
	assert.Equal(t, 1, sessions.closedCount(), "session released on failure too")
}

func TestWorkerDeadlineCancelsProbing(t *testing.T) {
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageLoading},
	}}
	w := newTestWorker(&fakeSessions{}, prober, &fakeExtractor{}, &fakeSolver{})
	w.Timings = WorkerTimings{
		StabilizeDelay:  time.Millisecond,
		ProbeInterval:   50 * time.Millisecond,
		NavigateTimeout: time.Second,
	}
	sink := &recordingSink{}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := w.Run(ctx, testRequest(), testPair(), sink)
	require.Error(t, err)
	assert.True(t, core.IsWorkerTimeout(err), "deadline must surface as a timeout: %v", err)
}

func TestWorkerErrorPageStillAttemptsExtraction(t *testing.T) {
	// Blocked or broken pages sometimes hide real results behind an
	// interstitial; extraction gets a shot regardless.
	prober := &scriptedProber{verdicts: []core.ReadinessVerdict{
		{PageState: core.PageError, Reasoning: "access denied banner"},
	}}
	w := newTestWorker(&fakeSessions{}, prober, &fakeExtractor{flights: testFlights()}, &fakeSolver{})

	result, err := w.Run(context.Background(), testRequest(), testPair(), &recordingSink{})
	require.NoError(t, err)
	assert.Len(t, result.Flights, 2)
}

func TestWorkerProbeErrorBacksOffAndRetries(t *testing.T) {
	prober := &flakyProber{failures: 1}
	w := newTestWorker(&fakeSessions{}, prober, &fakeExtractor{flights: testFlights()}, &fakeSolver{})

	result, err := w.Run(context.Background(), testRequest(), testPair(), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, 2, prober.probes, "failed probe retried after backoff")
	assert.Len(t, result.Flights, 2)
}

func TestWorkerNavigationTimeoutProceedsToProbing(t *testing.T) {
	driver := &fakeDriver{navErr: context.DeadlineExceeded}
	w := &Worker{
		Sessions:  &fakeSessions{},
		Drivers:   fakeDrivers{driver: driver},
		Prober:    readyProber(),
		Extractor: &fakeExtractor{flights: testFlights()},
		Solver:    &fakeSolver{},
		Timings:   fastTimings(),
	}

	result, err := w.Run(context.Background(), testRequest(), testPair(), &recordingSink{})
	require.NoError(t, err, "navigation timeout is tolerated")
	assert.Len(t, result.Flights, 2)
}
