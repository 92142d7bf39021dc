package resilience

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/fareminion/fareminion/core"
)

// ProxyProbe checks external proxy reachability before a search wave starts.
// It answers a yes/no question and never fails the search: an unreachable
// proxy just demotes it in the resolution order.
type ProxyProbe struct {
	// Target is the URL fetched through the proxy to prove liveness.
	Target string
	// Timeout bounds the whole probe.
	Timeout time.Duration
	Logger  core.Logger
	// client overrides the HTTP client in tests.
	client *http.Client
}

// NewProxyProbe creates a probe with defaults: a lightweight target and a
// 5 second budget.
func NewProxyProbe(logger core.Logger) *ProxyProbe {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ProxyProbe{
		Target:  "https://www.google.com/generate_204",
		Timeout: 5 * time.Second,
		Logger:  logger,
	}
}

// Healthy reports whether the proxy answers an HTTP GET within the timeout.
// Any error, timeout, or 5xx status counts as unhealthy.
func (p *ProxyProbe) Healthy(ctx context.Context, proxy core.ProxyConfig) bool {
	if !proxy.Configured() {
		return false
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   proxy.Host + ":" + proxy.Port,
	}
	if proxy.Username != "" {
		proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
	}

	client := p.client
	if client == nil {
		client = &http.Client{
			Timeout: p.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Target, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		p.Logger.Warn("Proxy health probe failed", map[string]interface{}{
			"operation": "proxy_probe",
			"proxy":     proxy.Host,
			"error":     err.Error(),
		})
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode < 500
	p.Logger.Debug("Proxy health probe completed", map[string]interface{}{
		"operation": "proxy_probe",
		"proxy":     proxy.Host,
		"status":    resp.StatusCode,
		"healthy":   healthy,
	})
	return healthy
}
