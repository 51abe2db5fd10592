package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	intrnl "liveuser/internal"
	"liveuser/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Counter is a visit counter that holds a connection to release on exit.
type Counter interface {
	intrnl.VisitCounter
	Close() error
}

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr     string
	server   *http.Server
	presence *intrnl.Server
	counter  Counter
	message  string
	done     chan struct{}
	err      error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Presence exposes the presence server, mainly for diagnostics.
func (h *ServerHandle) Presence() *intrnl.Server {
	return h.presence
}

// Stop notifies every connected client, then shuts the HTTP server down
// within the context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
	}
	h.presence.Shutdown(h.message)
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the configured visit counter, wires the presence server and
// starts serving in the background. Cancelling ctx stops it; call Wait to
// collect the result.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	wrapped := Config{Server: cfg}
	ApplyDefaults(&wrapped)
	cfg = wrapped.Server
	if err := Validate(wrapped); err != nil {
		return nil, err
	}

	visits, err := OpenCounter(ctx, cfg.Counter)
	if err != nil {
		return nil, err
	}

	opts := intrnl.Options{
		AdminToken:    cfg.AdminToken,
		UpgradeLimit:  cfg.UpgradeLimit,
		UpgradeWindow: cfg.UpgradeWindow,
	}
	if visits != nil {
		opts.Counter = visits
	}
	presence := intrnl.NewServer(opts)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           presence.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		closeCounter(visits)
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:     listener.Addr().String(),
		server:   httpServer,
		presence: presence,
		counter:  visits,
		message:  cfg.ShutdownMessage,
		done:     make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	go handle.serve(listener)

	slog.Info("server listening", "addr", handle.addr, "counter", cfg.Counter.Backend)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	closeCounter(h.counter)
	h.err = err
}

// OpenCounter connects the configured backend. The none backend returns a
// nil counter, which disables totals.
func OpenCounter(ctx context.Context, cfg CounterConfig) (Counter, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendRedis:
		redisCounter, err := storage.NewRedisCounter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("open redis counter: %w", err)
		}
		return redisCounter, nil
	case BackendSQLite, "":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		store, err := storage.NewStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func closeCounter(c Counter) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		slog.Error("counter close error", "error", err)
	}
}
