package core

// ActionKind tags the closed Action variant. Unknown kinds are handled by
// the browser adapter with a structured "unimplemented" result, never a
// failure of the worker.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionDrag     ActionKind = "drag"
	ActionScroll   ActionKind = "scroll"
	ActionKey      ActionKind = "key"
	ActionNavigate ActionKind = "navigate"
	ActionWait     ActionKind = "wait"
	ActionHover    ActionKind = "hover"
	ActionMove     ActionKind = "move"
)

// Action is a single UI action emitted by the vision model or the captcha
// sidecar. Coordinates are in the normalized 0..999 space and are
// denormalized to viewport pixels by the browser adapter.
type Action struct {
	Kind ActionKind `json:"action"`

	// Click / Type / Hover / Move target
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// Drag end point
	X2 int `json:"x2,omitempty"`
	Y2 int `json:"y2,omitempty"`

	// Type
	Text       string `json:"text,omitempty"`
	PressEnter bool   `json:"press_enter,omitempty"`
	ClearFirst bool   `json:"clear_first,omitempty"`

	// Scroll
	Direction string `json:"direction,omitempty"`
	Magnitude int    `json:"magnitude,omitempty"`

	// Key
	Chord string `json:"chord,omitempty"`

	// Navigate
	URL string `json:"url,omitempty"`

	// Wait
	Seconds float64 `json:"seconds,omitempty"`
}

// ActionResult reports the outcome of executing one Action.
type ActionResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ActionProgress is invoked by the extraction driver after each executed
// model action, for UI observability. The screenshot may be nil.
type ActionProgress func(action Action, reasoning string, screenshot []byte)
