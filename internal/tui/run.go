package tui

import (
	"context"
	"errors"
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"liveuser/internal/protocol"
	"liveuser/internal/session"
)

// Run starts a session for cfg and renders it until the user quits or ctx is
// cancelled. Session logs are dropped unless opts supply a logger, since the
// terminal belongs to the view.
func Run(ctx context.Context, cfg protocol.ClientConfig, opts ...session.Option) error {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(NewModel(cfg), tea.WithContext(ctx))
	screen := NewScreen(program.Send, cfg.DisplayElementID, cfg.TotalCountElementID, cfg.EnableTotalCount)
	opts = append([]session.Option{session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	sess := session.New(cfg, screen, opts...)
	defer sess.Close()

	// Send blocks until the program loop runs, so the session starts beside it.
	go func() {
		if err := sess.Start(ctx); err != nil {
			program.Send(sessionErrMsg{err: err})
		}
	}()

	final, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		return err
	}
	if model, ok := final.(Model); ok && model.err != nil {
		return model.err
	}
	return nil
}
