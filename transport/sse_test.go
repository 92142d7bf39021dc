package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// scriptedRunner emits a fixed event sequence.
type scriptedRunner struct {
	events []events.Event
	err    error
}

func (r *scriptedRunner) Run(ctx context.Context, req *core.SearchRequest, sink events.Sink) error {
	if r.err != nil {
		return r.err
	}
	for _, e := range r.events {
		sink.Emit(e)
	}
	return nil
}

func postSearch(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validBody() string {
	return `{"search_mode":"fixed","from":"SFO","to":"JFK","dep_date":"2026-06-15","ret_date":"2026-06-22"}`
}

// parseFrames splits an SSE body into its decoded JSON events.
func parseFrames(t *testing.T, body string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), "frame %q lacks data prefix", frame)
		var obj map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &obj))
		out = append(out, obj)
	}
	return out
}

func TestStreamFramesEvents(t *testing.T) {
	runner := &scriptedRunner{events: []events.Event{
		events.New(events.TypeCombinationsGenerated, map[string]interface{}{"total": 1}),
		events.New(events.TypeMinionCompleted, map[string]interface{}{"pair_id": 1}),
		events.New(events.TypeProgressiveResults, map[string]interface{}{"is_complete": true}),
	}}
	h := NewSearchHandler(runner, nil, nil)

	rec := postSearch(t, h, validBody())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "combinations_generated", frames[0]["type"])
	assert.Equal(t, "minion_completed", frames[1]["type"])
	assert.Equal(t, "progressive_results", frames[2]["type"])
	assert.Equal(t, true, frames[2]["is_complete"])

	for _, f := range frames {
		assert.NotEmpty(t, f["timestamp"])
	}
}

func TestStreamRunnerErrorBecomesTerminalErrorEvent(t *testing.T) {
	runner := &scriptedRunner{err: core.ErrInvalidConfiguration}
	h := NewSearchHandler(runner, nil, nil)

	rec := postSearch(t, h, validBody())
	assert.Equal(t, http.StatusOK, rec.Code, "stream is already open when validation runs")

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, true, frames[0]["fatal"])
	assert.Contains(t, frames[0]["message"], "invalid configuration")
}

func TestStreamRejectsBadMethod(t *testing.T) {
	h := NewSearchHandler(&scriptedRunner{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStreamRejectsMalformedBody(t *testing.T) {
	h := NewSearchHandler(&scriptedRunner{}, nil, nil)
	rec := postSearch(t, h, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
