package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fareminion/fareminion/browser"
	"github.com/fareminion/fareminion/core"
)

const extractorSystemPrompt = `You are operating a flight search results page through browser actions.
Your goal: read every visible flight option, scroll to reveal more if needed,
then report the structured results.

The screen is addressed with normalized coordinates: x and y range from 0 to 999,
where (0,0) is the top-left corner and (999,999) the bottom-right.

Use perform_action to interact (dismiss popups, scroll the results list,
expand collapsed fares). Use finish_extraction once you have seen all results,
or immediately if the page shows no flights.

Report prices exactly as displayed, including the currency symbol.`

// defaultMaxIterations bounds the extraction loop.
const defaultMaxIterations = 10

// actionParameters is the JSON schema for perform_action, mirroring the
// Action type field for field.
var actionParameters = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"action": map[string]interface{}{
			"type": "string",
			"enum": []string{"click", "type", "drag", "scroll", "key", "navigate", "wait", "hover", "move"},
		},
		"x":           map[string]interface{}{"type": "integer", "description": "normalized 0-999"},
		"y":           map[string]interface{}{"type": "integer", "description": "normalized 0-999"},
		"x2":          map[string]interface{}{"type": "integer"},
		"y2":          map[string]interface{}{"type": "integer"},
		"text":        map[string]interface{}{"type": "string"},
		"press_enter": map[string]interface{}{"type": "boolean"},
		"clear_first": map[string]interface{}{"type": "boolean"},
		"direction":   map[string]interface{}{"type": "string", "enum": []string{"up", "down"}},
		"magnitude":   map[string]interface{}{"type": "integer"},
		"chord":       map[string]interface{}{"type": "string"},
		"url":         map[string]interface{}{"type": "string"},
		"seconds":     map[string]interface{}{"type": "number"},
		"reasoning":   map[string]interface{}{"type": "string", "description": "why this action"},
	},
	"required": []string{"action"},
}

var finishParameters = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"success": map[string]interface{}{"type": "boolean"},
		"flights": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"airline":  map[string]interface{}{"type": "string"},
					"price":    map[string]interface{}{"type": "string", "description": "as displayed, with currency symbol"},
					"duration": map[string]interface{}{"type": "string"},
					"route":    map[string]interface{}{"type": "string"},
					"stops":    map[string]interface{}{"type": "string"},
					"type":     map[string]interface{}{"type": "string", "description": "outbound, return, or round_trip"},
				},
				"required": []string{"airline", "price"},
			},
		},
		"summary": map[string]interface{}{"type": "string"},
	},
	"required": []string{"success", "flights"},
}

var extractorTools = []FunctionDeclaration{
	{
		Name:        "perform_action",
		Description: "Perform one browser action on the page.",
		Parameters:  actionParameters,
	},
	{
		Name:        "finish_extraction",
		Description: "Report the extracted flight results and stop.",
		Parameters:  finishParameters,
	},
}

// Extractor runs the interactive extraction loop: screenshot, model turn,
// execute the model's actions, repeat until it calls finish_extraction or
// the iteration budget runs out.
type Extractor struct {
	generator Generator
	logger    core.Logger
	telemetry core.Telemetry
	// MaxIterations caps model turns per extraction. Zero means default.
	MaxIterations int
}

// NewExtractor creates an extractor with the default iteration budget.
func NewExtractor(generator Generator, logger core.Logger, telemetry core.Telemetry) *Extractor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Extractor{
		generator:     generator,
		logger:        logger,
		telemetry:     telemetry,
		MaxIterations: defaultMaxIterations,
	}
}

type actionArgs struct {
	core.Action
	Reasoning string `json:"reasoning"`
}

type finishArgs struct {
	Success bool          `json:"success"`
	Flights []core.Flight `json:"flights"`
	Summary string        `json:"summary"`
}

// Extract drives the page until the model reports results. A worker calls
// this once the prober says the page is ready. The returned result is
// always usable: budget exhaustion and unparseable output yield an empty,
// unsuccessful result, never an error, so the worker can still report a
// no-results outcome.
func (e *Extractor) Extract(ctx context.Context, driver browser.Driver, pair core.DatePair, progress core.ActionProgress) (core.ExtractionResult, error) {
	ctx, span := e.telemetry.StartSpan(ctx, "vision.extract")
	defer span.End()
	span.SetAttribute("pair_id", pair.PairID)

	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	var feedback strings.Builder
	fmt.Fprintf(&feedback, "Searching flights departing %s, returning %s.\n", pair.DepDate, pair.RetDate)

	for iter := 1; iter <= maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			return core.ExtractionResult{}, err
		}

		shot, err := driver.Screenshot(ctx)
		if err != nil {
			return core.ExtractionResult{}, fmt.Errorf("screenshot on iteration %d: %w", iter, err)
		}

		resp, err := e.generator.Generate(ctx, Request{
			System: extractorSystemPrompt,
			Parts: []Part{
				{Text: feedback.String()},
				{PNG: shot.Data},
			},
			Tools: extractorTools,
		})
		if err != nil {
			// One bad model turn is not fatal; the next screenshot gives
			// the model a fresh look.
			e.logger.Warn("Extraction model turn failed", map[string]interface{}{
				"operation": "extract",
				"pair_id":   pair.PairID,
				"iteration": iter,
				"error":     err.Error(),
			})
			continue
		}

		finished, result := e.handleTurn(ctx, driver, pair, resp, &feedback, progress)
		if finished {
			result.FinalURL = shot.URL
			span.SetAttribute("iterations", iter)
			span.SetAttribute("flights", len(result.Flights))
			return result, nil
		}
	}

	e.logger.Warn("Extraction budget exhausted", map[string]interface{}{
		"operation":  "extract",
		"pair_id":    pair.PairID,
		"iterations": maxIter,
	})
	return core.ExtractionResult{
		Success: false,
		Flights: []core.Flight{},
		Summary: "extraction did not complete within the iteration budget",
	}, nil
}

// handleTurn executes one model turn. Returns (true, result) when the model
// called finish_extraction.
func (e *Extractor) handleTurn(ctx context.Context, driver browser.Driver, pair core.DatePair, resp *Response, feedback *strings.Builder, progress core.ActionProgress) (bool, core.ExtractionResult) {
	for _, call := range resp.FunctionCalls {
		switch call.Name {
		case "finish_extraction":
			var args finishArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				e.logger.Warn("Unparseable extraction output", map[string]interface{}{
					"operation": "extract",
					"pair_id":   pair.PairID,
					"error":     err.Error(),
				})
				return true, core.ExtractionResult{
					Success: false,
					Flights: []core.Flight{},
					Summary: "parse error",
				}
			}
			if args.Flights == nil {
				args.Flights = []core.Flight{}
			}
			return true, core.ExtractionResult{
				Success: args.Success,
				Flights: args.Flights,
				Summary: args.Summary,
			}

		case "perform_action":
			var args actionArgs
			if err := json.Unmarshal(call.Args, &args); err != nil {
				fmt.Fprintf(feedback, "Previous action was unparseable; try again.\n")
				continue
			}
			result := driver.Execute(ctx, args.Action)
			if progress != nil {
				progress(args.Action, args.Reasoning, nil)
			}
			if result.OK {
				fmt.Fprintf(feedback, "Executed %s.\n", args.Action.Kind)
			} else {
				fmt.Fprintf(feedback, "Action %s failed: %s.\n", args.Action.Kind, result.Error)
			}

		default:
			fmt.Fprintf(feedback, "Unknown tool %q ignored.\n", call.Name)
		}
	}
	if len(resp.FunctionCalls) == 0 && resp.Text != "" {
		// Some turns skip the tools and answer in prose-wrapped JSON; take
		// that as the final answer when it parses.
		if raw := extractJSON(resp.Text); strings.HasPrefix(raw, "{") {
			var args finishArgs
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return true, core.ExtractionResult{
					Success: false,
					Flights: []core.Flight{},
					Summary: "parse error",
				}
			}
			if args.Flights == nil {
				args.Flights = []core.Flight{}
			}
			return true, core.ExtractionResult{
				Success: args.Success,
				Flights: args.Flights,
				Summary: args.Summary,
			}
		}
		// Pure narration; remind it of the protocol.
		fmt.Fprintf(feedback, "Use perform_action or finish_extraction; plain text is ignored.\n")
	}
	return false, core.ExtractionResult{}
}
