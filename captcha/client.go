// Package captcha handles human-verification challenges. Challenge
// understanding lives in a sidecar service; this package is the client plus
// the delegation loop that executes the sidecar's actions in the browser.
package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fareminion/fareminion/core"
)

const (
	strategyTimeout = 30 * time.Second
	solveTimeout    = 30 * time.Second
	assessTimeout   = 25 * time.Second
	healthTimeout   = 3 * time.Second
)

// SidecarClient talks to the captcha-solving sidecar over HTTP.
type SidecarClient struct {
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
}

// NewSidecarClient creates a sidecar client.
func NewSidecarClient(baseURL string, logger core.Logger) *SidecarClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &SidecarClient{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// SetHTTPClient overrides the HTTP client, for tests.
func (c *SidecarClient) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

type strategyRequest struct {
	Screenshot string `json:"screenshot"` // base64 PNG
	CurrentURL string `json:"current_url,omitempty"`
}

type strategyResponse struct {
	Strategy    string `json:"strategy"`
	CaptchaType string `json:"captcha_type"`
}

type solveRequest struct {
	Screenshot   string `json:"screenshot"`
	Task         string `json:"task,omitempty"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
	CurrentURL   string `json:"current_url,omitempty"`
}

type solveResponse struct {
	Success  bool          `json:"success"`
	Actions  []core.Action `json:"actions"`
	Message  string        `json:"message"`
	Complete bool          `json:"complete"`
}

type assessRequest struct {
	Screenshot     string `json:"screenshot"`
	PreviousAction string `json:"previous_action,omitempty"`
	CurrentURL     string `json:"current_url,omitempty"`
}

type assessResponse struct {
	Complete  bool   `json:"complete"`
	Reasoning string `json:"reasoning"`
}

// SolveInput is one round's request to the solve endpoint.
type SolveInput struct {
	Screenshot   []byte
	Task         string
	ScreenWidth  int
	ScreenHeight int
	CurrentURL   string
}

// SolveResult is the sidecar's plan for one round. Complete (or an empty
// action list) means the challenge is already cleared.
type SolveResult struct {
	Success  bool
	Actions  []core.Action
	Message  string
	Complete bool
}

// Healthy reports whether the sidecar answers its health endpoint.
func (c *SidecarClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Strategy asks the sidecar to describe the challenge and its plan.
func (c *SidecarClient) Strategy(ctx context.Context, screenshot []byte, currentURL string) (string, string, error) {
	var resp strategyResponse
	err := c.post(ctx, "/strategy", strategyRequest{
		Screenshot: base64.StdEncoding.EncodeToString(screenshot),
		CurrentURL: currentURL,
	}, &resp, strategyTimeout)
	if err != nil {
		return "", "", err
	}
	return resp.Strategy, resp.CaptchaType, nil
}

// Solve asks the sidecar for the next action(s) against the challenge.
func (c *SidecarClient) Solve(ctx context.Context, in SolveInput) (SolveResult, error) {
	var resp solveResponse
	err := c.post(ctx, "/solve", solveRequest{
		Screenshot:   base64.StdEncoding.EncodeToString(in.Screenshot),
		Task:         in.Task,
		ScreenWidth:  in.ScreenWidth,
		ScreenHeight: in.ScreenHeight,
		CurrentURL:   in.CurrentURL,
	}, &resp, solveTimeout)
	if err != nil {
		return SolveResult{}, err
	}
	return SolveResult{
		Success:  resp.Success,
		Actions:  resp.Actions,
		Message:  resp.Message,
		Complete: resp.Complete,
	}, nil
}

// Assess asks the sidecar whether the challenge is gone.
func (c *SidecarClient) Assess(ctx context.Context, screenshot []byte, previousAction, currentURL string) (bool, error) {
	var resp assessResponse
	err := c.post(ctx, "/assess", assessRequest{
		Screenshot:     base64.StdEncoding.EncodeToString(screenshot),
		PreviousAction: previousAction,
		CurrentURL:     currentURL,
	}, &resp, assessTimeout)
	if err != nil {
		return false, err
	}
	return resp.Complete, nil
}

func (c *SidecarClient) post(ctx context.Context, path string, body, out interface{}, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding sidecar request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating sidecar request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrSidecarUnavailable, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading sidecar response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar %s returned status %d: %w", path, resp.StatusCode, core.ErrRequestFailed)
	}
	if err := json.Unmarshal(respData, out); err != nil {
		return fmt.Errorf("decoding sidecar response from %s: %w", path, err)
	}
	return nil
}
