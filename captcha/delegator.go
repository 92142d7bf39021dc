package captcha

import (
	"context"
	"sync"
	"time"

	"github.com/fareminion/fareminion/browser"
	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// defaultMaxIterations bounds the AI solve loop per challenge encounter.
const defaultMaxIterations = 15

// settleDelay is how long to wait after an executed solver action before
// re-assessing, letting animations and verification roundtrips finish.
const settleDelay = time.Second

// Delegator resolves a detected challenge, either by driving the sidecar
// solver or by parking the worker until a human resolves it through the
// live view.
type Delegator struct {
	mode    core.CaptchaMode
	sidecar *SidecarClient
	signals *SolvedSignals
	logger  core.Logger
	// MaxIterations caps sidecar solve rounds. Zero means default.
	MaxIterations int
	// HumanTimeout bounds how long a worker waits for a human.
	HumanTimeout time.Duration
}

// NewDelegator creates a delegator for the configured mode.
func NewDelegator(cfg core.CaptchaConfig, signals *SolvedSignals, logger core.Logger) *Delegator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if signals == nil {
		signals = NewSolvedSignals()
	}
	return &Delegator{
		mode:          cfg.Mode,
		sidecar:       NewSidecarClient(cfg.SidecarURL, logger),
		signals:       signals,
		logger:        logger,
		MaxIterations: cfg.MaxIter,
		HumanTimeout:  cfg.HumanTimeout,
	}
}

// Sidecar exposes the client, for wiring test doubles.
func (d *Delegator) Sidecar() *SidecarClient {
	return d.sidecar
}

// Resolve attempts to clear the challenge currently on the page. Returns
// true when the challenge is gone. False is not an error: the worker logs
// it and resumes probing.
func (d *Delegator) Resolve(ctx context.Context, driver browser.Driver, pair core.DatePair, session core.SessionHandle, sink events.Sink) (bool, error) {
	if d.mode == core.CaptchaModeHuman {
		return d.resolveHuman(ctx, driver, pair, session, sink)
	}
	return d.resolveAI(ctx, driver, pair, sink)
}

func (d *Delegator) resolveAI(ctx context.Context, driver browser.Driver, pair core.DatePair, sink events.Sink) (bool, error) {
	if !d.sidecar.Healthy(ctx) {
		d.logger.Warn("Captcha sidecar unreachable", map[string]interface{}{
			"operation": "captcha_resolve",
			"pair_id":   pair.PairID,
		})
		return false, nil
	}

	width, height := driver.Viewport()
	currentURL := func() string {
		u, err := driver.CurrentURL()
		if err != nil {
			return ""
		}
		return u
	}

	shot, err := driver.Screenshot(ctx)
	if err != nil {
		return false, err
	}

	strategy, captchaType, err := d.sidecar.Strategy(ctx, shot.Data, currentURL())
	if err != nil {
		d.logger.Warn("Captcha strategy failed", map[string]interface{}{
			"operation": "captcha_resolve",
			"pair_id":   pair.PairID,
			"error":     err.Error(),
		})
		return false, nil
	}
	sink.Emit(events.New(events.TypeStrategyReady, map[string]interface{}{
		"pair_id":      pair.PairID,
		"strategy":     strategy,
		"captcha_type": captchaType,
	}))

	maxIter := d.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		shot, err := driver.Screenshot(ctx)
		if err != nil {
			return false, err
		}

		plan, err := d.sidecar.Solve(ctx, SolveInput{
			Screenshot:   shot.Data,
			Task:         strategy,
			ScreenWidth:  width,
			ScreenHeight: height,
			CurrentURL:   currentURL(),
		})
		if err != nil {
			d.logger.Warn("Captcha solve round failed", map[string]interface{}{
				"operation": "captcha_resolve",
				"pair_id":   pair.PairID,
				"iteration": iter,
				"error":     err.Error(),
			})
			continue
		}

		// A completed plan, or one with nothing left to do, means the
		// challenge is already cleared.
		if plan.Complete || len(plan.Actions) == 0 {
			d.logger.Info("Captcha solved", map[string]interface{}{
				"operation":  "captcha_resolve",
				"pair_id":    pair.PairID,
				"iterations": iter,
			})
			return true, nil
		}

		// Only the first action of each round is executed: the page can
		// change under a multi-action plan, so every action gets a fresh
		// screenshot behind it.
		first := plan.Actions[0]
		result := driver.Execute(ctx, first)
		sink.Emit(events.New(events.TypeGeminiAction, map[string]interface{}{
			"pair_id":   pair.PairID,
			"action":    string(first.Kind),
			"reasoning": plan.Message,
			"ok":        result.OK,
		}))

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(settleDelay):
		}

		after, err := driver.Screenshot(ctx)
		if err != nil {
			return false, err
		}
		solved, err := d.sidecar.Assess(ctx, after.Data, string(first.Kind), currentURL())
		if err != nil {
			continue
		}
		if solved {
			d.logger.Info("Captcha solved", map[string]interface{}{
				"operation":  "captcha_resolve",
				"pair_id":    pair.PairID,
				"iterations": iter,
			})
			return true, nil
		}
	}

	d.logger.Warn("Captcha unsolved after max iterations", map[string]interface{}{
		"operation":  "captcha_resolve",
		"pair_id":    pair.PairID,
		"iterations": maxIter,
	})
	return false, nil
}

// resolveHuman announces the challenge with the live view URL and polls
// for a solved signal until the timeout.
func (d *Delegator) resolveHuman(ctx context.Context, driver browser.Driver, pair core.DatePair, session core.SessionHandle, sink events.Sink) (bool, error) {
	sink.Emit(events.New(events.TypeCaptchaDetected, map[string]interface{}{
		"pair_id":       pair.PairID,
		"session_id":    session.SessionID,
		"live_view_url": session.LiveViewURL,
		"needs_human":   true,
	}))

	timeout := d.HumanTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-tick.C:
			if d.signals.Consume(session.SessionID) {
				return true, nil
			}
		}
	}
}

// SolvedSignals is the registry human operators signal through when they
// finish a challenge in the live view. Signals are one-shot per session.
type SolvedSignals struct {
	mu     sync.Mutex
	solved map[string]bool
}

// NewSolvedSignals creates an empty registry.
func NewSolvedSignals() *SolvedSignals {
	return &SolvedSignals{solved: make(map[string]bool)}
}

// Signal marks a session's challenge as solved.
func (s *SolvedSignals) Signal(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solved[sessionID] = true
}

// Consume returns and clears the solved flag for a session.
func (s *SolvedSignals) Consume(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.solved[sessionID] {
		delete(s.solved, sessionID)
		return true
	}
	return false
}
