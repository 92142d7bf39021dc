package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/fareminion/fareminion/browser"
	"github.com/fareminion/fareminion/browserbase"
	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// WorkerState tracks a worker through its lifecycle, for logs and metrics.
type WorkerState string

const (
	StateNew             WorkerState = "new"
	StateSessionCreating WorkerState = "session_creating"
	StateConnected       WorkerState = "connected"
	StateNavigating      WorkerState = "navigating"
	StateProbing         WorkerState = "probing"
	StateSolvingCaptcha  WorkerState = "solving_captcha"
	StateExtracting      WorkerState = "extracting"
	StateDone            WorkerState = "done"
	StateFailed          WorkerState = "failed"
)

// SessionProvider provisions and releases remote browser sessions.
type SessionProvider interface {
	CreateSession(ctx context.Context, opts browserbase.SessionOptions) (core.SessionHandle, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// DriverFactory attaches a browser driver to a session.
type DriverFactory interface {
	Connect(ctx context.Context, session core.SessionHandle) (browser.Driver, error)
}

// ReadinessProber classifies a screenshot into a page state.
type ReadinessProber interface {
	Probe(ctx context.Context, screenshot []byte) (core.ReadinessVerdict, error)
}

// FlightExtractor runs the interactive extraction loop on a ready page.
type FlightExtractor interface {
	Extract(ctx context.Context, driver browser.Driver, pair core.DatePair, progress core.ActionProgress) (core.ExtractionResult, error)
}

// CaptchaSolver clears a challenge blocking the page. A false return
// without error means the challenge stands; the worker resumes probing.
type CaptchaSolver interface {
	Resolve(ctx context.Context, driver browser.Driver, pair core.DatePair, session core.SessionHandle, sink events.Sink) (bool, error)
}

// WorkerTimings holds the pacing knobs, injectable so tests run fast.
type WorkerTimings struct {
	// StabilizeDelay is the pause after navigation before the first probe.
	StabilizeDelay time.Duration
	// ProbeInterval is the pause between probes while the page loads.
	ProbeInterval time.Duration
	// ProbeBackoff is the pause after a failed probe before retrying.
	ProbeBackoff time.Duration
	// NavigateTimeout bounds the initial navigation.
	NavigateTimeout time.Duration
}

// DefaultWorkerTimings are the production values.
func DefaultWorkerTimings() WorkerTimings {
	return WorkerTimings{
		StabilizeDelay:  3 * time.Second,
		ProbeInterval:   30 * time.Second,
		ProbeBackoff:    10 * time.Second,
		NavigateTimeout: 5 * time.Minute,
	}
}

// Worker processes one date pair: one session, one page, one result.
// A worker owns its session exclusively and releases it on exit.
type Worker struct {
	Sessions  SessionProvider
	Drivers   DriverFactory
	Prober    ReadinessProber
	Extractor FlightExtractor
	Solver    CaptchaSolver
	Timings   WorkerTimings
	Logger    core.Logger
	Telemetry core.Telemetry
	// UserID enables browser-context reuse, empty disables it.
	UserID string
}

// Run executes one attempt for the pair and returns the result. The worker
// emits only progress events; the per-pair terminal events (completed or
// failed) belong to the orchestrator, which sees all attempts and
// serializes them against the aggregate snapshots.
func (w *Worker) Run(ctx context.Context, req *core.SearchRequest, pair core.DatePair, sink events.Sink) (result core.WorkerResult, err error) {
	logger := w.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := w.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	timings := w.Timings
	if timings.ProbeInterval == 0 {
		timings = DefaultWorkerTimings()
	}

	ctx, span := telemetry.StartSpan(ctx, "worker.run")
	defer span.End()
	span.SetAttribute("pair_id", pair.PairID)
	span.SetAttribute("dep_date", pair.DepDate)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker panicked", map[string]interface{}{
				"operation": "worker_run",
				"pair_id":   pair.PairID,
				"panic":     fmt.Sprint(r),
			})
			err = &core.OrchestratorError{
				Op:      "worker_run",
				Kind:    "panic",
				PairID:  pair.PairID,
				Message: fmt.Sprintf("worker panicked: %v", r),
			}
		}
	}()

	state := StateNew
	setState := func(s WorkerState) {
		state = s
		logger.Debug("Worker state change", map[string]interface{}{
			"operation": "worker_run",
			"pair_id":   pair.PairID,
			"state":     string(s),
		})
	}

	setState(StateSessionCreating)
	session, err := w.Sessions.CreateSession(ctx, browserbase.SessionOptions{UserID: w.UserID})
	if err != nil {
		return result, w.fail(pair, state, "session creation", err)
	}
	defer func() {
		// Release with a fresh context: the worker deadline may already
		// have fired.
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Sessions.CloseSession(closeCtx, session.SessionID)
	}()

	sink.Emit(events.New(events.TypeSessionCreated, map[string]interface{}{
		"pair_id":       pair.PairID,
		"session_id":    session.SessionID,
		"live_view_url": session.LiveViewURL,
		"dep_date":      pair.DepDate,
		"ret_date":      pair.RetDate,
	}))

	setState(StateConnected)
	driver, err := w.Drivers.Connect(ctx, session)
	if err != nil {
		return result, w.fail(pair, state, "driver attach", err)
	}
	defer driver.Close()

	if err := driver.InstallInterception(browser.InterceptionConfig{}); err != nil {
		logger.Warn("Request interception unavailable", map[string]interface{}{
			"operation": "worker_run",
			"pair_id":   pair.PairID,
			"error":     err.Error(),
		})
	}

	setState(StateNavigating)
	url := ResultsURL(req, pair)
	if err := driver.Navigate(ctx, url, timings.NavigateTimeout); err != nil {
		if ctx.Err() != nil {
			return result, w.fail(pair, state, "navigation", ctx.Err())
		}
		// Slow or flaky navigation is tolerated: the probe loop decides
		// what actually rendered.
		logger.Warn("Navigation did not complete, probing anyway", map[string]interface{}{
			"operation": "worker_run",
			"pair_id":   pair.PairID,
			"error":     err.Error(),
		})
	}

	if err := sleepCtx(ctx, timings.StabilizeDelay); err != nil {
		return result, w.fail(pair, state, "stabilize", err)
	}

	// Probe until the page settles into a terminal state. The loop is
	// bounded by the worker deadline on ctx, not by an iteration count.
	setState(StateProbing)
	for {
		verdict, err := w.probeOnce(ctx, driver)
		if err != nil {
			if ctx.Err() != nil {
				return result, w.fail(pair, state, "readiness probe", err)
			}
			// Infrastructure hiccup, not a verdict: back off and retry.
			logger.Warn("Readiness probe failed, retrying", map[string]interface{}{
				"operation": "worker_run",
				"pair_id":   pair.PairID,
				"error":     err.Error(),
			})
			if err := sleepCtx(ctx, timings.ProbeBackoff); err != nil {
				return result, w.fail(pair, state, "probe backoff", err)
			}
			continue
		}

		switch verdict.PageState {
		case core.PageResultsReady:
			setState(StateExtracting)
			return w.extract(ctx, driver, pair, sink, logger)

		case core.PageNoResults:
			// A clean empty state is a successful outcome.
			setState(StateDone)
			result = core.WorkerResult{
				PairID:  pair.PairID,
				DepDate: pair.DepDate,
				RetDate: pair.RetDate,
				Flights: []core.Flight{},
				Summary: "no flights found for these dates",
			}
			return result, nil

		case core.PageCaptcha:
			setState(StateSolvingCaptcha)
			solved, err := w.Solver.Resolve(ctx, driver, pair, session, sink)
			if err != nil {
				return result, w.fail(pair, state, "captcha resolution", err)
			}
			setState(StateProbing)
			if solved {
				// Re-probe immediately: the page behind the challenge may
				// already be ready.
				continue
			}
			// An unsolved challenge is not terminal: keep probing until the
			// worker deadline cuts the attempt off.
			logger.Warn("Captcha unsolved, resuming probing", map[string]interface{}{
				"operation": "worker_run",
				"pair_id":   pair.PairID,
			})
			if err := sleepCtx(ctx, timings.ProbeInterval); err != nil {
				return result, w.fail(pair, state, "probe wait", err)
			}

		case core.PageError:
			// Error pages are sometimes interstitials over real results;
			// extraction gets a shot either way.
			logger.Warn("Error page reported, attempting extraction", map[string]interface{}{
				"operation": "worker_run",
				"pair_id":   pair.PairID,
				"reasoning": verdict.Reasoning,
			})
			setState(StateExtracting)
			return w.extract(ctx, driver, pair, sink, logger)

		default: // loading, unknown
			sink.Emit(events.New(events.TypeLoading, map[string]interface{}{
				"pair_id":    pair.PairID,
				"page_state": string(verdict.PageState),
				"reasoning":  verdict.Reasoning,
			}))
			if err := sleepCtx(ctx, timings.ProbeInterval); err != nil {
				return result, w.fail(pair, state, "probe wait", err)
			}
		}
	}
}

// probeOnce captures a screenshot and classifies it.
func (w *Worker) probeOnce(ctx context.Context, driver browser.Driver) (core.ReadinessVerdict, error) {
	shot, err := driver.Screenshot(ctx)
	if err != nil {
		return core.ReadinessVerdict{}, err
	}
	return w.Prober.Probe(ctx, shot.Data)
}

func (w *Worker) extract(ctx context.Context, driver browser.Driver, pair core.DatePair, sink events.Sink, logger core.Logger) (core.WorkerResult, error) {
	progress := func(action core.Action, reasoning string, _ []byte) {
		sink.Emit(events.New(events.TypeGeminiAction, map[string]interface{}{
			"pair_id":   pair.PairID,
			"action":    string(action.Kind),
			"reasoning": reasoning,
		}))
	}

	extraction, err := w.Extractor.Extract(ctx, driver, pair, progress)
	if err != nil {
		return core.WorkerResult{}, w.fail(pair, StateExtracting, "extraction", err)
	}

	flights := extraction.Flights
	if flights == nil {
		flights = []core.Flight{}
	}
	// Every row of a round-trip search is a round-trip fare, whatever the
	// model labeled it.
	for i := range flights {
		flights[i].Type = "round_trip"
	}

	result := core.WorkerResult{
		PairID:  pair.PairID,
		DepDate: pair.DepDate,
		RetDate: pair.RetDate,
		Flights: flights,
		Summary: extraction.Summary,
	}
	if cheapest := core.CheapestFlight(flights); cheapest != nil {
		price := cheapest.Price
		result.CheapestPrice = &price
	}

	logger.Info("Worker completed", map[string]interface{}{
		"operation": "worker_run",
		"pair_id":   pair.PairID,
		"flights":   len(result.Flights),
		"success":   extraction.Success,
	})
	return result, nil
}

func (w *Worker) fail(pair core.DatePair, state WorkerState, stage string, err error) error {
	return &core.OrchestratorError{
		Op:      "worker_run",
		Kind:    string(state),
		PairID:  pair.PairID,
		Message: fmt.Sprintf("%s failed in state %s", stage, state),
		Err:     err,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
