package browser

import (
	"context"
	"time"

	"github.com/fareminion/fareminion/core"
)

// Screenshot is a viewport capture plus the URL it was taken at.
type Screenshot struct {
	Data []byte
	URL  string
}

// InterceptionConfig controls request blocking on a page. Blocking ad and
// analytics traffic keeps result pages fast and screenshots clean.
type InterceptionConfig struct {
	// BlockPatterns are URL substrings whose requests are aborted.
	BlockPatterns []string
	// BlockImages aborts image subresources (logos and maps survive as
	// rendered pixels in screenshots regardless).
	BlockImages bool
}

// DefaultBlockPatterns covers the trackers and ad networks commonly loaded
// by flight-result pages.
var DefaultBlockPatterns = []string{
	"googletagmanager.com",
	"google-analytics.com",
	"doubleclick.net",
	"facebook.net",
	"hotjar.com",
	"amplitude.com",
	"segment.io",
}

// Driver is the per-session browser control surface. One driver drives one
// remote page; workers own their driver for the lifetime of an attempt.
type Driver interface {
	// Navigate loads a URL and waits for the load event, bounded by timeout.
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	// Screenshot captures the current viewport as PNG.
	Screenshot(ctx context.Context) (Screenshot, error)
	// Execute performs a single model-issued action. Failures are reported
	// in the result, not as an error: a missed click is feedback for the
	// next model iteration, not a worker failure.
	Execute(ctx context.Context, action core.Action) core.ActionResult
	// InstallInterception applies request blocking for the page's lifetime.
	InstallInterception(config InterceptionConfig) error
	// Viewport returns the pixel dimensions actions are denormalized against.
	Viewport() (width, height int)
	// CurrentURL returns the page's current location.
	CurrentURL() (string, error)
	// Close detaches from the page. The remote session outlives the driver;
	// session teardown is the provider client's job.
	Close() error
}
