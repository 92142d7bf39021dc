// Package transport exposes the search over HTTP with Server-Sent Events.
// One POST starts a search; the response is a stream of `data:` frames,
// one JSON event per frame, ending after the terminal snapshot.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// SearchRunner executes a search, emitting events into the sink. The
// orchestrator implements this.
type SearchRunner interface {
	Run(ctx context.Context, req *core.SearchRequest, sink events.Sink) error
}

// sinkBuffer sizes the event channel between orchestrator and writer.
const sinkBuffer = 256

// SearchHandler streams search progress over SSE.
type SearchHandler struct {
	runner    SearchRunner
	logger    core.Logger
	telemetry core.Telemetry
}

// NewSearchHandler creates the SSE search endpoint.
func NewSearchHandler(runner SearchRunner, logger core.Logger, telemetry core.Telemetry) *SearchHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &SearchHandler{runner: runner, logger: logger, telemetry: telemetry}
}

func (h *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req core.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering so frames reach the client immediately.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	searchID := uuid.NewString()
	h.logger.Info("Search stream opened", map[string]interface{}{
		"operation": "sse_stream",
		"search_id": searchID,
		"mode":      string(req.SearchMode),
		"from":      req.From,
		"to":        req.To,
	})

	sink := events.NewChannelSink(sinkBuffer)

	go func() {
		defer sink.Close()
		if err := h.runner.Run(r.Context(), &req, sink); err != nil {
			// Validation and other pre-fanout failures become the
			// stream's terminal event.
			sink.Emit(events.New(events.TypeError, map[string]interface{}{
				"message": err.Error(),
				"fatal":   true,
			}))
			h.logger.Error("Search failed before fanout", map[string]interface{}{
				"operation": "sse_stream",
				"error":     err.Error(),
			})
		}
	}()

	for event := range sink.Events() {
		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("Event not serializable", map[string]interface{}{
				"operation": "sse_stream",
				"type":      string(event.Type),
				"error":     err.Error(),
			})
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the orchestrator keeps running against
			// r.Context() until it notices the cancellation.
			h.logger.Warn("Stream write failed, client gone", map[string]interface{}{
				"operation": "sse_stream",
				"error":     err.Error(),
			})
			return
		}
		flusher.Flush()
	}

	h.logger.Info("Search stream closed", map[string]interface{}{
		"operation": "sse_stream",
		"search_id": searchID,
	})
}
