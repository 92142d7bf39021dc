// fareminion is the flight-search orchestrator server. One POST to
// /api/search fans remote-browser workers out over the requested date
// combinations and streams progressive results back over SSE.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fareminion/fareminion/browser"
	"github.com/fareminion/fareminion/browserbase"
	"github.com/fareminion/fareminion/captcha"
	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/orchestration"
	"github.com/fareminion/fareminion/telemetry"
	"github.com/fareminion/fareminion/transport"
	"github.com/fareminion/fareminion/vision"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fareminion: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; production sets real env vars.
	_ = godotenv.Load()

	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}

	logger := core.NewProductionLogger(cfg.Logging, "fareminion")

	var tel core.Telemetry = &core.NoOpTelemetry{}
	var telShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewOTelProvider(cfg.Telemetry)
		if err != nil {
			logger.Warn("Telemetry init failed, continuing without", map[string]interface{}{
				"operation": "startup",
				"error":     err.Error(),
			})
		} else {
			tel = provider
			telShutdown = provider.Shutdown
		}
	}

	var memory core.Memory
	if cfg.RedisURL != "" {
		store, err := core.NewRedisStore(core.RedisStoreOptions{
			RedisURL:  cfg.RedisURL,
			Namespace: "fareminion",
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		memory = store
	} else {
		store := core.NewMemoryStore()
		store.SetLogger(logger)
		memory = store
	}

	sessions := browserbase.NewClient(cfg,
		browserbase.WithLogger(logger),
		browserbase.WithTelemetry(tel),
		browserbase.WithMemory(memory),
	)

	gemini := vision.NewGeminiClient(cfg.LLM,
		vision.WithGeminiLogger(logger),
		vision.WithGeminiTelemetry(tel),
	)
	prober := vision.NewProber(gemini, logger)
	extractor := vision.NewExtractor(gemini, logger, tel)
	extractor.MaxIterations = cfg.Search.MaxIterExtract
	analyzer := vision.NewAnalyzer(gemini, logger)

	signals := captcha.NewSolvedSignals()
	solver := captcha.NewDelegator(cfg.Captcha, signals, logger)

	worker := &orchestration.Worker{
		Sessions: sessions,
		Drivers: &browser.Factory{
			Width:  cfg.ViewportWidth,
			Height: cfg.ViewportHeight,
			Logger: logger,
		},
		Prober:    prober,
		Extractor: extractor,
		Solver:    solver,
		Timings:   orchestration.DefaultWorkerTimings(),
		Logger:    logger,
		Telemetry: tel,
	}
	orchestrator := orchestration.NewOrchestrator(worker, analyzer, cfg.Search, logger, tel)

	mux := http.NewServeMux()
	mux.Handle("/api/search", otelhttp.NewHandler(
		transport.NewSearchHandler(orchestrator, logger, tel), "search"))
	mux.Handle("/api/captcha/solved", transport.NewCaptchaSolvedHandler(signals, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","session_breaker":%q}`, sessions.Breaker().State())
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
		// No WriteTimeout: SSE streams stay open for the whole search.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{
			"operation":   "startup",
			"port":        cfg.Port,
			"concurrency": cfg.Search.ConcurrencyLimit,
			"captcha":     string(cfg.Captcha.Mode),
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("Shutting down", map[string]interface{}{
			"operation": "shutdown",
			"signal":    sig.String(),
		})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	if telShutdown != nil {
		_ = telShutdown(shutdownCtx)
	}
	return nil
}
