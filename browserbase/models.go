// Package browserbase is the client for the remote-browser session
// provider. It creates fingerprinted sessions, resolves which proxy each
// session should ride, and fetches live-view URLs for observability.
package browserbase

// createSessionRequest is the provider's session-creation payload.
type createSessionRequest struct {
	ProjectID       string           `json:"projectId"`
	BrowserSettings *browserSettings `json:"browserSettings,omitempty"`
	// Proxies is either `true` (provider built-in proxy) or a list of
	// external proxy configs. Omitted means direct connection.
	Proxies interface{} `json:"proxies,omitempty"`
}

type browserSettings struct {
	Fingerprint *fingerprint `json:"fingerprint,omitempty"`
	Viewport    *viewport    `json:"viewport,omitempty"`
	// SolveCaptchas disables the provider's own solver; challenge handling
	// is the delegator's job.
	SolveCaptchas *bool `json:"solveCaptchas,omitempty"`
	// Context reuses a persisted browser context across sessions.
	Context *contextSettings `json:"context,omitempty"`
}

type fingerprint struct {
	Locales []string `json:"locales,omitempty"`
	Screen  *screen  `json:"screen,omitempty"`
}

type screen struct {
	MaxWidth  int `json:"maxWidth,omitempty"`
	MaxHeight int `json:"maxHeight,omitempty"`
}

type viewport struct {
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
}

type contextSettings struct {
	ID      string `json:"id"`
	Persist bool   `json:"persist"`
}

// externalProxy is one entry of the Proxies list.
type externalProxy struct {
	Type     string `json:"type"` // always "external"
	Server   string `json:"server"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// sessionResponse is the provider's session representation.
type sessionResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	ConnectURL string `json:"connectUrl"`
}

// debugResponse carries the session's live-view URLs.
type debugResponse struct {
	DebuggerFullscreenURL string `json:"debuggerFullscreenUrl"`
	DebuggerURL           string `json:"debuggerUrl"`
}

// releaseSessionRequest asks the provider to tear a session down.
type releaseSessionRequest struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"` // "REQUEST_RELEASE"
}

// createContextRequest persists a browser context for reuse.
type createContextRequest struct {
	ProjectID string `json:"projectId"`
}

type contextResponse struct {
	ID string `json:"id"`
}
