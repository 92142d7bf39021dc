package browserbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fareminion/fareminion/core"
	"github.com/fareminion/fareminion/resilience"
)

const (
	defaultBaseURL = "https://api.browserbase.com"
	// contextCacheTTL bounds how long a persisted browser context is
	// considered reusable for a given user.
	contextCacheTTL = 24 * time.Hour
)

// Client talks to the session provider's REST API. All session creation
// flows through one circuit breaker so a failing provider (or a burned
// proxy pool) trips fast instead of burning the whole search wave.
type Client struct {
	config     core.ProviderConfig
	proxy      core.ProxyConfig
	altProxy   core.ProxyConfig
	viewportW  int
	viewportH  int
	country    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	probe      *resilience.ProxyProbe
	memory     core.Memory
	logger     core.Logger
	telemetry  core.Telemetry

	retryAttempts  int
	retryBaseDelay time.Duration
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(t core.Telemetry) ClientOption {
	return func(c *Client) { c.telemetry = t }
}

// WithMemory enables the user→context cache.
func WithMemory(m core.Memory) ClientOption {
	return func(c *Client) { c.memory = m }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the session-creation retry policy.
func WithRetryPolicy(attempts int, baseDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.retryAttempts = attempts
		c.retryBaseDelay = baseDelay
	}
}

// NewClient creates a provider client from configuration.
func NewClient(cfg *core.Config, opts ...ClientOption) *Client {
	c := &Client{
		config:    cfg.Provider,
		proxy:     cfg.Proxy,
		altProxy:  cfg.AltProxy,
		viewportW: cfg.ViewportWidth,
		viewportH: cfg.ViewportHeight,
		country:   cfg.CountryCode,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:         &core.NoOpLogger{},
		telemetry:      &core.NoOpTelemetry{},
		retryAttempts:  3,
		retryBaseDelay: 2 * time.Second,
	}
	if c.config.BaseURL == "" {
		c.config.BaseURL = defaultBaseURL
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "session_creation",
		Logger: c.logger,
	})
	c.probe = resilience.NewProxyProbe(c.logger)
	return c
}

// Breaker exposes the session-creation breaker for health reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// SessionOptions tunes a single session creation.
type SessionOptions struct {
	// UserID enables browser-context reuse across that user's sessions.
	UserID string
}

// CreateSession provisions a remote browser session. The call is guarded
// by the circuit breaker and retried up to 3 times with 2s exponential
// backoff. Provider rejections (4xx) abort immediately: retrying a bad
// request only burns quota.
func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) (core.SessionHandle, error) {
	if err := c.breaker.Allow(); err != nil {
		return core.SessionHandle{}, err
	}

	var handle core.SessionHandle
	err := resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts: c.retryAttempts,
		BaseDelay:   c.retryBaseDelay,
		Logger:      c.logger,
		Retryable: func(err error) bool {
			return !core.IsProviderPermanent(err) && core.IsRetryable(err)
		},
	}, func() error {
		var err error
		handle, err = c.createSessionOnce(ctx, opts)
		return err
	})

	c.breaker.Record(err)

	if err != nil {
		c.logger.Error("Session creation failed", map[string]interface{}{
			"operation": "create_session",
			"error":     err.Error(),
		})
		return core.SessionHandle{}, err
	}

	// The live view is observability, not correctness: failures degrade
	// to an empty URL.
	handle.LiveViewURL = c.fetchLiveViewURL(ctx, handle.SessionID)

	c.logger.Info("Session created", map[string]interface{}{
		"operation":  "create_session",
		"session_id": handle.SessionID,
		"live_view":  handle.LiveViewURL != "",
	})
	return handle, nil
}

func (c *Client) createSessionOnce(ctx context.Context, opts SessionOptions) (core.SessionHandle, error) {
	solveCaptchas := false
	req := createSessionRequest{
		ProjectID: c.config.ProjectID,
		BrowserSettings: &browserSettings{
			Fingerprint: &fingerprint{
				Locales: []string{"en-" + c.country},
				Screen:  &screen{MaxWidth: 1920, MaxHeight: 1080},
			},
			Viewport:      &viewport{Width: c.viewportW, Height: c.viewportH},
			SolveCaptchas: &solveCaptchas,
		},
		Proxies: c.resolveProxies(ctx),
	}

	if opts.UserID != "" && c.memory != nil {
		if ctxID := c.contextForUser(ctx, opts.UserID); ctxID != "" {
			req.BrowserSettings.Context = &contextSettings{ID: ctxID, Persist: true}
		}
	}

	var resp sessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return core.SessionHandle{}, err
	}
	if resp.ID == "" || resp.ConnectURL == "" {
		return core.SessionHandle{}, &core.OrchestratorError{
			Op:      "create_session",
			Kind:    "provider",
			Message: "provider returned session without id or connect URL",
			Err:     core.ErrRequestFailed,
		}
	}

	return core.SessionHandle{
		SessionID:  resp.ID,
		ControlURL: resp.ConnectURL,
		CreatedAt:  time.Now(),
	}, nil
}

// resolveProxies picks the session's proxy in priority order: external
// proxy when reachable, then the alternate, then the provider's built-in
// pool when enabled, else a direct connection.
func (c *Client) resolveProxies(ctx context.Context) interface{} {
	for _, p := range []core.ProxyConfig{c.proxy, c.altProxy} {
		if !p.Configured() {
			continue
		}
		if c.probe.Healthy(ctx, p) {
			return []externalProxy{{
				Type:     "external",
				Server:   "http://" + p.Host + ":" + p.Port,
				Username: p.Username,
				Password: p.Password,
			}}
		}
		c.logger.Warn("Proxy unhealthy, falling through", map[string]interface{}{
			"operation": "resolve_proxy",
			"proxy":     p.Host,
		})
	}
	if c.config.UseProviderProxy {
		return true
	}
	return nil
}

// fetchLiveViewURL returns the session's fullscreen debugger URL,
// falling back to the plain debugger URL, then empty.
func (c *Client) fetchLiveViewURL(ctx context.Context, sessionID string) string {
	var resp debugResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/debug", nil, &resp); err != nil {
		c.logger.Warn("Live view fetch failed", map[string]interface{}{
			"operation":  "live_view",
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return ""
	}
	if resp.DebuggerFullscreenURL != "" {
		return resp.DebuggerFullscreenURL
	}
	return resp.DebuggerURL
}

// CloseSession asks the provider to release a session. Best-effort: the
// provider reaps abandoned sessions on its own timeout anyway.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	req := releaseSessionRequest{ProjectID: c.config.ProjectID, Status: "REQUEST_RELEASE"}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions/"+sessionID, req, nil); err != nil {
		c.logger.Warn("Session release failed", map[string]interface{}{
			"operation":  "close_session",
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return err
	}
	return nil
}

// contextForUser returns the user's cached browser-context ID, creating
// and caching a fresh one on miss. Failures return "" so sessions proceed
// without context reuse.
func (c *Client) contextForUser(ctx context.Context, userID string) string {
	key := "context:" + userID
	if cached, err := c.memory.Get(ctx, key); err == nil && cached != "" {
		return cached
	}

	var resp contextResponse
	err := c.doJSON(ctx, http.MethodPost, "/v1/contexts", createContextRequest{ProjectID: c.config.ProjectID}, &resp)
	if err != nil || resp.ID == "" {
		c.logger.Warn("Browser context creation failed", map[string]interface{}{
			"operation": "create_context",
			"user_id":   userID,
		})
		return ""
	}
	if err := c.memory.Set(ctx, key, resp.ID, contextCacheTTL); err != nil {
		c.logger.Warn("Context cache write failed", map[string]interface{}{
			"operation": "create_context",
			"error":     err.Error(),
		})
	}
	return resp.ID
}

// doJSON performs one JSON round-trip against the provider API.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BB-API-Key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &core.OrchestratorError{
			Op:      "provider_request",
			Kind:    "network",
			Message: fmt.Sprintf("%s %s failed", method, path),
			Err:     fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &core.OrchestratorError{
			Op:      "provider_request",
			Kind:    "provider_rejected",
			Message: fmt.Sprintf("provider rejected %s %s: status %d: %s", method, path, resp.StatusCode, truncate(data, 200)),
			Err:     core.ErrProviderRejected,
		}
	}
	if resp.StatusCode >= 500 {
		return &core.OrchestratorError{
			Op:      "provider_request",
			Kind:    "provider_error",
			Message: fmt.Sprintf("provider error on %s %s: status %d", method, path, resp.StatusCode),
			Err:     fmt.Errorf("%w: network error from upstream", core.ErrRequestFailed),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
