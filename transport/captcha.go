package transport

import (
	"encoding/json"
	"net/http"

	"github.com/fareminion/fareminion/captcha"
	"github.com/fareminion/fareminion/core"
)

// CaptchaSolvedHandler is the endpoint a human operator (or the UI) hits
// after clearing a challenge in the live view. Workers in human mode poll
// the signal registry and resume.
type CaptchaSolvedHandler struct {
	signals *captcha.SolvedSignals
	logger  core.Logger
}

// NewCaptchaSolvedHandler creates the solved-signal endpoint.
func NewCaptchaSolvedHandler(signals *captcha.SolvedSignals, logger core.Logger) *CaptchaSolvedHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CaptchaSolvedHandler{signals: signals, logger: logger}
}

func (h *CaptchaSolvedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	h.signals.Signal(body.SessionID)
	h.logger.Info("Captcha solved signal received", map[string]interface{}{
		"operation":  "captcha_solved",
		"session_id": body.SessionID,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
