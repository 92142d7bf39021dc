package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/events"
)

// ResultAnalyzer digests the aggregate after each worker completion.
type ResultAnalyzer interface {
	Analyze(ctx context.Context, results []core.WorkerResult, isPartial bool) core.Analysis
}

// Orchestrator fans a search out across date pairs in bounded batches and
// folds worker outcomes into the event stream. It owns the retry policy:
// workers report each attempt's outcome, the orchestrator decides whether
// another attempt happens and emits the terminal per-pair events.
type Orchestrator struct {
	Worker   *Worker
	Analyzer ResultAnalyzer

	// ConcurrencyLimit is the batch size; batches run sequentially.
	ConcurrencyLimit int
	// WorkerDeadline bounds each attempt's wall time.
	WorkerDeadline time.Duration
	// WorkerRetries is how many extra attempts a failed pair gets.
	WorkerRetries int

	Logger    core.Logger
	Telemetry core.Telemetry
}

// NewOrchestrator wires an orchestrator from configuration.
func NewOrchestrator(worker *Worker, analyzer ResultAnalyzer, cfg core.SearchConfig, logger core.Logger, telemetry core.Telemetry) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Orchestrator{
		Worker:           worker,
		Analyzer:         analyzer,
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		WorkerDeadline:   cfg.WorkerDeadline,
		WorkerRetries:    cfg.WorkerRetries,
		Logger:           logger,
		Telemetry:        telemetry,
	}
}

// Run executes a search to completion. The stream contract: every run ends
// with exactly one progressive_results event carrying is_complete=true,
// emitted after every worker goroutine has settled. Request validation
// failures are returned to the caller instead, which reports them as a
// terminal error event.
func (o *Orchestrator) Run(ctx context.Context, req *core.SearchRequest, sink events.Sink) error {
	ctx, span := o.Telemetry.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	pairs, err := ExpandRequest(req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttribute("pairs", len(pairs))

	sink.Emit(events.New(events.TypeCombinationsGenerated, map[string]interface{}{
		"total": len(pairs),
		"pairs": pairs,
		"from":  req.From,
		"to":    req.To,
	}))

	o.Logger.Info("Search expanded", map[string]interface{}{
		"operation": "orchestrate",
		"mode":      string(req.SearchMode),
		"pairs":     len(pairs),
	})

	agg := &aggregate{total: len(pairs)}

	limit := o.ConcurrencyLimit
	if limit < 1 {
		limit = 1
	}

	for start := 0; start < len(pairs); start += limit {
		end := start + limit
		if end > len(pairs) {
			end = len(pairs)
		}
		batch := pairs[start:end]

		if err := ctx.Err(); err != nil {
			break
		}

		var wg sync.WaitGroup
		for _, pair := range batch {
			wg.Add(1)
			go func(pair core.DatePair) {
				defer wg.Done()
				defer func() {
					// A panic here means a bug outside the worker's own
					// recovery; settle the pair as failed rather than
					// taking down the batch.
					if r := recover(); r != nil {
						o.settleFailure(ctx, agg, pair, sink, fmt.Errorf("worker goroutine panicked: %v", r))
					}
				}()
				o.runPair(ctx, req, pair, agg, sink)
			}(pair)
		}
		wg.Wait()
	}

	// Terminal snapshot after all workers have settled. Idempotent with the
	// last per-completion snapshot; guarantees consumers see a final
	// is_complete event even if that one was lost. Skipped when nothing
	// succeeded: the per-pair failure events already tell the whole story.
	results := agg.snapshot()
	if len(results) > 0 {
		analysis := o.Analyzer.Analyze(ctx, results, false)
		analysis.IsPartial = false
		sink.Emit(events.New(events.TypeProgressiveResults, map[string]interface{}{
			"all_results": results,
			"analysis":    analysis,
			"completed":   len(results),
			"failed":      agg.failures(),
			"total":       len(pairs),
			"is_complete": true,
		}))
	}

	o.Logger.Info("Search completed", map[string]interface{}{
		"operation": "orchestrate",
		"completed": len(results),
		"failed":    agg.failures(),
		"total":     len(pairs),
	})
	return nil
}

// runPair drives one pair through its attempts.
func (o *Orchestrator) runPair(ctx context.Context, req *core.SearchRequest, pair core.DatePair, agg *aggregate, sink events.Sink) {
	attempts := 1 + o.WorkerRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if o.WorkerDeadline > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, o.WorkerDeadline)
		}

		result, err := o.Worker.Run(attemptCtx, req, pair, sink)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			o.settleSuccess(ctx, agg, result, sink)
			return
		}
		lastErr = err

		o.Logger.Warn("Worker attempt failed", map[string]interface{}{
			"operation": "orchestrate",
			"pair_id":   pair.PairID,
			"attempt":   attempt,
			"error":     err.Error(),
		})

		// The search itself was cancelled; no point in another attempt.
		if ctx.Err() != nil {
			break
		}
		// Provider rejections fail identically on retry.
		if core.IsProviderPermanent(err) {
			break
		}
	}

	o.settleFailure(ctx, agg, pair, sink, lastErr)
}

// settleSuccess emits the pair's terminal event, folds the result in and
// emits a progressive snapshot. The aggregate mutex serializes the whole
// sequence, so a snapshot always carries exactly the results whose
// minion_completed events precede it on the stream.
func (o *Orchestrator) settleSuccess(ctx context.Context, agg *aggregate, result core.WorkerResult, sink events.Sink) {
	agg.mu.Lock()
	defer agg.mu.Unlock()

	completed := map[string]interface{}{
		"pair_id":  result.PairID,
		"dep_date": result.DepDate,
		"ret_date": result.RetDate,
		"flights":  result.Flights,
		"summary":  result.Summary,
	}
	if result.CheapestPrice != nil {
		completed["cheapest_price"] = *result.CheapestPrice
	}
	sink.Emit(events.New(events.TypeMinionCompleted, completed))

	agg.results = append(agg.results, result)
	settled := len(agg.results) + agg.failed
	isPartial := settled < agg.total

	snapshot := make([]core.WorkerResult, len(agg.results))
	copy(snapshot, agg.results)

	analysis := o.Analyzer.Analyze(ctx, snapshot, isPartial)
	analysis.IsPartial = isPartial

	sink.Emit(events.New(events.TypeProgressiveResults, map[string]interface{}{
		"all_results": snapshot,
		"analysis":    analysis,
		"completed":   len(snapshot),
		"failed":      agg.failed,
		"total":       agg.total,
		"is_complete": !isPartial,
	}))
}

// settleFailure records a pair's final failure and emits its terminal event.
func (o *Orchestrator) settleFailure(ctx context.Context, agg *aggregate, pair core.DatePair, sink events.Sink, err error) {
	agg.mu.Lock()
	agg.failed++
	agg.mu.Unlock()

	kind := failureKind(err)
	message := "worker failed"
	if err != nil {
		message = err.Error()
	}

	sink.Emit(events.New(events.TypeMinionFailedFinal, map[string]interface{}{
		"pair_id":  pair.PairID,
		"dep_date": pair.DepDate,
		"ret_date": pair.RetDate,
		"kind":     kind,
		"error":    message,
	}))

	o.Logger.Error("Worker failed after all attempts", map[string]interface{}{
		"operation": "orchestrate",
		"pair_id":   pair.PairID,
		"kind":      kind,
		"error":     message,
	})
}

// failureKind maps an error onto the stable failure taxonomy carried in
// minion_failed_final events.
func failureKind(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case core.IsWorkerTimeout(err):
		return "timeout"
	case errors.Is(err, core.ErrCaptchaUnsolved):
		return "captcha_unsolved"
	case errors.Is(err, core.ErrBreakerOpen):
		return "breaker_open"
	case core.IsProviderPermanent(err):
		return "provider_rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// aggregate is the shared fold state for one search.
type aggregate struct {
	mu      sync.Mutex
	results []core.WorkerResult
	failed  int
	total   int
}

func (a *aggregate) snapshot() []core.WorkerResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.WorkerResult, len(a.results))
	copy(out, a.results)
	return out
}

func (a *aggregate) failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failed
}
