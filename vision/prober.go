package vision

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fareminion/fareminion/core"
)

const proberSystemPrompt = `You are classifying a screenshot of a flight search page.
Decide the current page state and whether flight results are ready to extract.

States:
- "loading": spinners, skeletons, progress bars, partially rendered results
- "captcha": any human-verification challenge (checkbox, image grid, press-and-hold, puzzle)
- "results_ready": a list of flight results with visible prices
- "no_results": an explicit empty state ("no flights found")
- "error": an error page, block page, or broken layout
- "unknown": none of the above

Respond with JSON only:
{"is_ready": bool, "page_state": "<state>", "confidence": 0.0-1.0, "reasoning": "<one sentence>"}`

// Prober classifies a screenshot into a page state. It is a single model
// turn with no tools: cheap enough to run on every polling tick.
type Prober struct {
	generator Generator
	logger    core.Logger
}

// NewProber creates a readiness prober.
func NewProber(generator Generator, logger core.Logger) *Prober {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Prober{generator: generator, logger: logger}
}

// Probe classifies the screenshot. Unparseable model output degrades to an
// "unknown" verdict rather than an error: the polling loop just tries again.
func (p *Prober) Probe(ctx context.Context, screenshot []byte) (core.ReadinessVerdict, error) {
	resp, err := p.generator.Generate(ctx, Request{
		System:     proberSystemPrompt,
		Parts:      []Part{{Text: "Classify this page."}, {PNG: screenshot}},
		JSONOutput: true,
	})
	if err != nil {
		return core.ReadinessVerdict{}, err
	}

	var verdict core.ReadinessVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &verdict); err != nil {
		p.logger.Warn("Unparseable readiness verdict", map[string]interface{}{
			"operation": "probe",
			"raw":       truncate([]byte(resp.Text), 200),
		})
		return core.ReadinessVerdict{PageState: core.PageUnknown, Reasoning: "unparseable verdict"}, nil
	}

	if verdict.PageState == "" {
		verdict.PageState = core.PageUnknown
	}
	// is_ready is only meaningful for results pages; normalize conflicting
	// answers from the model.
	if verdict.PageState != core.PageResultsReady {
		verdict.IsReady = false
	}

	p.logger.Debug("Page classified", map[string]interface{}{
		"operation":  "probe",
		"page_state": string(verdict.PageState),
		"confidence": verdict.Confidence,
	})
	return verdict, nil
}

// extractJSON tolerates markdown fences around the model's JSON output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	// Fall back to the outermost object when prose surrounds it.
	if !strings.HasPrefix(s, "{") {
		start := strings.Index(s, "{")
		end := strings.LastIndex(s, "}")
		if start >= 0 && end > start {
			s = s[start : end+1]
		}
	}
	return s
}
