package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fareminion/fareminion/browser"
	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// stubDriver satisfies browser.Driver for delegation tests.
type stubDriver struct {
	mu       sync.Mutex
	executed []core.Action
}

func (d *stubDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}

func (d *stubDriver) Screenshot(ctx context.Context) (browser.Screenshot, error) {
	return browser.Screenshot{Data: []byte("png")}, nil
}

func (d *stubDriver) Execute(ctx context.Context, action core.Action) core.ActionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, action)
	return core.ActionResult{OK: true}
}

func (d *stubDriver) InstallInterception(config browser.InterceptionConfig) error { return nil }
func (d *stubDriver) Viewport() (int, int)                                        { return 1440, 900 }
func (d *stubDriver) CurrentURL() (string, error)                                 { return "", nil }
func (d *stubDriver) Close() error                                                { return nil }

func (d *stubDriver) executedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executed)
}

// sidecarScript fakes the sidecar: solved after solveRounds assessments.
type sidecarScript struct {
	mu            sync.Mutex
	solveRounds   int
	assessments   int
	actions       []core.Action
	solveComplete bool
	lastSolve     map[string]interface{}
	lastAssess    map[string]interface{}
}

func (s *sidecarScript) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/strategy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"strategy":     "click the checkbox",
			"captcha_type": "checkbox",
		})
	})
	mux.HandleFunc("/solve", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&s.lastSolve)
		complete := s.solveComplete
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":  true,
			"actions":  s.actions,
			"message":  "checkbox at center",
			"complete": complete,
		})
	})
	mux.HandleFunc("/assess", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&s.lastAssess)
		s.assessments++
		complete := s.assessments >= s.solveRounds
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]bool{"complete": complete})
	})
	return mux
}

func newAIDelegator(t *testing.T, sidecarURL string, maxIter int) *Delegator {
	t.Helper()
	return NewDelegator(core.CaptchaConfig{
		Mode:       core.CaptchaModeAI,
		SidecarURL: sidecarURL,
		MaxIter:    maxIter,
	}, nil, nil)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func pair() core.DatePair {
	return core.DatePair{PairID: 4, DepDate: "2026-11-04", RetDate: "2026-11-29"}
}

func session(id string) core.SessionHandle {
	return core.SessionHandle{SessionID: id, LiveViewURL: "https://live.example/" + id}
}

func TestResolveAISolvesChallenge(t *testing.T) {
	script := &sidecarScript{
		solveRounds: 2,
		actions: []core.Action{
			{Kind: core.ActionClick, X: 500, Y: 500},
			{Kind: core.ActionWait, Seconds: 1},
		},
	}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	d := newAIDelegator(t, server.URL, 15)
	driver := &stubDriver{}
	sink := &recordingSink{}

	solved, err := d.Resolve(context.Background(), driver, pair(), session("sess-1"), sink)
	require.NoError(t, err)
	assert.True(t, solved)

	// Only the first action of each round executes.
	assert.Equal(t, 2, driver.executedCount())
	assert.Equal(t, core.ActionClick, driver.executed[0].Kind)

	require.Len(t, sink.byType(events.TypeStrategyReady), 1)
	assert.Len(t, sink.byType(events.TypeGeminiAction), 2)

	// The solve payload carries the page context the sidecar plans against.
	script.mu.Lock()
	defer script.mu.Unlock()
	assert.Equal(t, float64(1440), script.lastSolve["screen_width"])
	assert.Equal(t, float64(900), script.lastSolve["screen_height"])
	assert.Equal(t, "click the checkbox", script.lastSolve["task"])
	assert.Equal(t, "click", script.lastAssess["previous_action"])
}

func TestResolveAIEmptyPlanMeansSolved(t *testing.T) {
	// No remaining actions: the challenge is already cleared, no execution
	// or assessment round happens.
	script := &sidecarScript{solveRounds: 1000}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	d := newAIDelegator(t, server.URL, 15)
	driver := &stubDriver{}

	solved, err := d.Resolve(context.Background(), driver, pair(), session("sess-1"), &recordingSink{})
	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 0, driver.executedCount())

	script.mu.Lock()
	defer script.mu.Unlock()
	assert.Equal(t, 0, script.assessments)
}

func TestResolveAICompleteFlagShortCircuits(t *testing.T) {
	script := &sidecarScript{
		solveRounds:   1000,
		solveComplete: true,
		actions:       []core.Action{{Kind: core.ActionClick, X: 500, Y: 500}},
	}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	d := newAIDelegator(t, server.URL, 15)
	driver := &stubDriver{}

	solved, err := d.Resolve(context.Background(), driver, pair(), session("sess-1"), &recordingSink{})
	require.NoError(t, err)
	assert.True(t, solved)
	assert.Equal(t, 0, driver.executedCount(), "a complete plan needs no more actions")
}

func TestResolveAIGivesUpAtIterationCap(t *testing.T) {
	script := &sidecarScript{
		solveRounds: 1000, // never solves
		actions:     []core.Action{{Kind: core.ActionClick, X: 500, Y: 500}},
	}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	d := newAIDelegator(t, server.URL, 3)
	driver := &stubDriver{}
	start := time.Now()
	solved, err := d.Resolve(context.Background(), driver, pair(), session("sess-1"), &recordingSink{})
	require.NoError(t, err)
	assert.False(t, solved)
	assert.Equal(t, 3, driver.executedCount(), "exactly MaxIter rounds")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestResolveAIUnreachableSidecarReturnsFalse(t *testing.T) {
	d := newAIDelegator(t, "http://127.0.0.1:1", 15)
	solved, err := d.Resolve(context.Background(), &stubDriver{}, pair(), session("sess-1"), &recordingSink{})
	require.NoError(t, err, "missing sidecar is a soft failure")
	assert.False(t, solved)
}

func TestResolveHumanWaitsForSignal(t *testing.T) {
	signals := NewSolvedSignals()
	d := NewDelegator(core.CaptchaConfig{
		Mode:         core.CaptchaModeHuman,
		HumanTimeout: 10 * time.Second,
	}, signals, nil)

	sink := &recordingSink{}
	done := make(chan struct{})
	var solved bool
	var err error
	go func() {
		solved, err = d.Resolve(context.Background(), &stubDriver{}, pair(), session("sess-42"), sink)
		close(done)
	}()

	// The worker announces the challenge, then a human signals.
	time.Sleep(50 * time.Millisecond)
	signals.Signal("sess-42")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("delegator never observed the solved signal")
	}
	require.NoError(t, err)
	assert.True(t, solved)

	detected := sink.byType(events.TypeCaptchaDetected)
	require.Len(t, detected, 1)
	assert.Equal(t, "sess-42", detected[0].Payload["session_id"])
	assert.Equal(t, "https://live.example/sess-42", detected[0].Payload["live_view_url"])
}

func TestResolveHumanTimesOut(t *testing.T) {
	d := NewDelegator(core.CaptchaConfig{
		Mode:         core.CaptchaModeHuman,
		HumanTimeout: 50 * time.Millisecond,
	}, NewSolvedSignals(), nil)

	solved, err := d.Resolve(context.Background(), &stubDriver{}, pair(), session("sess-9"), &recordingSink{})
	require.NoError(t, err)
	assert.False(t, solved)
}

func TestSolvedSignalsAreOneShot(t *testing.T) {
	s := NewSolvedSignals()
	assert.False(t, s.Consume("a"))
	s.Signal("a")
	assert.True(t, s.Consume("a"))
	assert.False(t, s.Consume("a"), "signals clear on consumption")
}
