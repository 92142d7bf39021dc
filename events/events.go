// Package events defines the progressive event stream a search produces.
// Every event is a type tag plus a flat payload; the transport layer frames
// them for SSE delivery without knowing their shape.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind on the wire.
type Type string

const (
	// TypeCombinationsGenerated announces the date pairs a search expanded to.
	TypeCombinationsGenerated Type = "combinations_generated"
	// TypeSessionCreated carries a worker's live-view URL.
	TypeSessionCreated Type = "session_created"
	// TypeLoading reports a worker still waiting for results to render.
	TypeLoading Type = "loading"
	// TypeCaptchaDetected reports a challenge blocking a worker.
	TypeCaptchaDetected Type = "captcha_detected"
	// TypeStrategyReady carries the solver's plan for a challenge.
	TypeStrategyReady Type = "strategy_ready"
	// TypeGeminiAction narrates a model-driven browser action.
	TypeGeminiAction Type = "gemini_action"
	// TypeMinionCompleted reports one worker's extracted flights.
	TypeMinionCompleted Type = "minion_completed"
	// TypeMinionFailedFinal reports a worker failed after all retries.
	TypeMinionFailedFinal Type = "minion_failed_final"
	// TypeProgressiveResults carries a cumulative analysis snapshot.
	TypeProgressiveResults Type = "progressive_results"
	// TypeError reports a search-fatal error.
	TypeError Type = "error"
)

// Event is a single item on the stream. Payload keys are flattened next to
// "type" and "timestamp" in the serialized form, so consumers see one flat
// JSON object per event.
type Event struct {
	Type    Type
	Payload map[string]interface{}
	At      time.Time
}

// New creates an event stamped with the current time.
func New(t Type, payload map[string]interface{}) Event {
	return Event{Type: t, Payload: payload, At: time.Now()}
}

// MarshalJSON flattens the payload into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = string(e.Type)
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	out["timestamp"] = at.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// Sink receives events as a search progresses. Implementations must be
// safe for concurrent use: workers in a batch emit from their own
// goroutines.
type Sink interface {
	Emit(event Event)
}

// NoOpSink discards everything. Used in tests and as a default.
type NoOpSink struct{}

func (NoOpSink) Emit(Event) {}
