package browser

import (
	"context"

	"github.com/fareminion/fareminion/core"
)

// Factory attaches rod drivers to sessions with a fixed viewport.
type Factory struct {
	Width  int
	Height int
	Logger core.Logger
}

// Connect attaches a driver to the session's control URL.
func (f *Factory) Connect(ctx context.Context, session core.SessionHandle) (Driver, error) {
	return Connect(ctx, ConnectOptions{
		ControlURL: session.ControlURL,
		Width:      f.Width,
		Height:     f.Height,
		Logger:     f.Logger,
	})
}
