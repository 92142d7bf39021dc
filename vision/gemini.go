// Package vision holds the model-driven loops: the page readiness prober,
// the interactive flight extractor, and the progressive analyzer. All three
// speak to the Gemini API through one small client; everything above the
// Generator interface is testable with fakes.
package vision

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
	"github.com/fareminion/fareminion/resilience"
)

// Part is one piece of multimodal input: text or a PNG screenshot.
type Part struct {
	Text string
	PNG  []byte
}

// FunctionCall is a tool invocation returned by the model.
type FunctionCall struct {
	Name string
	Args json.RawMessage
}

// Request is a single model turn.
type Request struct {
	System string
	Parts  []Part
	// Tools exposes function declarations. Empty means plain generation.
	Tools []FunctionDeclaration
	// JSONOutput forces an application/json response. Mutually exclusive
	// with Tools per the API.
	JSONOutput bool
}

// Response is the model's reply: free text and/or tool calls.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
}

// FunctionDeclaration describes one callable tool to the model.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Generator produces one model response per request. The prober, extractor
// and analyzer all depend on this rather than the concrete client.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeminiClient implements Generator against the generateContent REST API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     core.Logger
	telemetry  core.Telemetry
}

// GeminiOption configures the client.
type GeminiOption func(*GeminiClient)

// WithGeminiLogger sets the structured logger.
func WithGeminiLogger(logger core.Logger) GeminiOption {
	return func(c *GeminiClient) { c.logger = logger }
}

// WithGeminiTelemetry sets the telemetry provider.
func WithGeminiTelemetry(t core.Telemetry) GeminiOption {
	return func(c *GeminiClient) { c.telemetry = t }
}

// WithGeminiHTTPClient overrides the HTTP client, for tests.
func WithGeminiHTTPClient(hc *http.Client) GeminiOption {
	return func(c *GeminiClient) { c.httpClient = hc }
}

// NewGeminiClient creates a client from LLM configuration.
func NewGeminiClient(cfg core.LLMConfig, opts ...GeminiOption) *GeminiClient {
	c := &GeminiClient{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	if c.baseURL == "" {
		c.baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.model == "" {
		c.model = "gemini-2.0-flash"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// wire types for generateContent

type generateRequest struct {
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	Contents          []wireContent     `json:"contents"`
	Tools             []wireTool        `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text         string            `json:"text,omitempty"`
	InlineData   *inlineData       `json:"inlineData,omitempty"`
	FunctionCall *wireFunctionCall `json:"functionCall,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type wireFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type wireTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type generationConfig struct {
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
	Temperature      float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content wireContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate performs one model turn, retrying transient API failures up to
// 3 times with exponential backoff.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "gemini.generate")
	defer span.End()
	span.SetAttribute("model", c.model)
	span.SetAttribute("parts", len(req.Parts))

	body := generateRequest{
		Contents: []wireContent{{Role: "user", Parts: encodeParts(req.Parts)}},
	}
	if req.System != "" {
		body.SystemInstruction = &wireContent{Parts: []wirePart{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		body.Tools = []wireTool{{FunctionDeclarations: req.Tools}}
	}
	if req.JSONOutput {
		body.GenerationConfig = &generationConfig{ResponseMIMEType: "application/json"}
	}

	var resp *Response
	err := resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Logger:      c.logger,
	}, func() error {
		var err error
		resp, err = c.generateOnce(ctx, body)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return resp, nil
}

func encodeParts(parts []Part) []wirePart {
	out := make([]wirePart, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, wirePart{Text: p.Text})
		}
		if len(p.PNG) > 0 {
			out = append(out, wirePart{InlineData: &inlineData{
				MimeType: "image/png",
				Data:     base64.StdEncoding.EncodeToString(p.PNG),
			}})
		}
	}
	return out
}

func (c *GeminiClient) generateOnce(ctx context.Context, body generateRequest) (*Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding model request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating model request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	}
	defer httpResp.Body.Close()

	respData, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading model response: %w", err)
	}

	if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: model API status %d (network)", core.ErrRequestFailed, httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &core.OrchestratorError{
			Op:      "gemini.generate",
			Kind:    "model_rejected",
			Message: fmt.Sprintf("model API status %d: %s", httpResp.StatusCode, truncate(respData, 200)),
			Err:     core.ErrRequestFailed,
		}
	}

	var parsed generateResponse
	if err := json.Unmarshal(respData, &parsed); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("model API error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("model returned no candidates: %w", core.ErrRequestFailed)
	}

	out := &Response{}
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.Text != "" {
			out.Text += p.Text
		}
		if p.FunctionCall != nil {
			out.FunctionCalls = append(out.FunctionCalls, FunctionCall{
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			})
		}
	}
	return out, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
