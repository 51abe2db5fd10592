package app

import (
	"context"
	"errors"

	"liveuser/internal/protocol"
	"liveuser/internal/tui"
)

// RunClient watches one site's live count in the terminal.
func RunClient(ctx context.Context, cfg protocol.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	return tui.Run(ctx, cfg)
}
