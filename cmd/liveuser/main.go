package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"liveuser/internal/app"
)

const (
	modeServer = "server"
	modeWatch  = "watch"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])

	if err := app.LoadDotEnv(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "liveuser: .env: %v\n", err)
	}

	flagSet := flag.NewFlagSet("liveuser", flag.ExitOnError)
	configPath := flagSet.String("config", os.Getenv("LIVEUSER_CONFIG"), "YAML config file")
	addr := flagSet.String("addr", "", "server listen address")
	db := flagSet.String("db", "", "sqlite database path for visit totals")
	backend := flagSet.String("counter", "", "visit counter backend: sqlite, redis or none")
	redisAddr := flagSet.String("redis", "", "redis address for the redis backend")
	adminToken := flagSet.String("admin-token", "", "bearer token for the total reset endpoint")
	serverURL := flagSet.String("server-url", "", "presence server base URL (watch mode), e.g. ws://localhost:8080/")
	site := flagSet.String("site", "", "site id to watch")
	totals := flagSet.Bool("totals", false, "also show the running visit total")
	logLevel := flagSet.String("log-level", "", "debug, info, warn or error")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	_ = flagSet.Parse(args)

	cfg, err := app.Load(*configPath)
	if err != nil {
		fail(err)
	}
	if err := app.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		fail(err)
	}
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "db":
			cfg.Server.Counter.DBPath = *db
		case "counter":
			cfg.Server.Counter.Backend = *backend
		case "redis":
			cfg.Server.Counter.RedisAddr = *redisAddr
		case "admin-token":
			cfg.Server.AdminToken = *adminToken
		case "server-url":
			cfg.Client.ServerURL = *serverURL
		case "site":
			cfg.Client.SiteID = *site
		case "totals":
			cfg.Client.EnableTotalCount = *totals
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	app.ApplyDefaults(&cfg)
	if *quiet {
		cfg.LogLevel = "error"
	}
	if err := app.Validate(cfg); err != nil {
		fail(err)
	}
	app.SetupLogger(cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, cfg)
	case modeLocal:
		err = runLocalMode(ctx, cfg)
	default:
		err = runWatchMode(ctx, cfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func runServerMode(ctx context.Context, cfg app.Config) error {
	handle, err := app.RunServer(ctx, cfg.Server)
	if err != nil {
		return err
	}
	slog.Info("liveuser server ready", "addr", handle.Addr(), "counter", cfg.Server.Counter.Backend)
	return handle.Wait()
}

func runWatchMode(ctx context.Context, cfg app.Config) error {
	if cfg.Client.ServerURL == "" {
		return errors.New("watch mode requires --server-url or LIVEUSER_SERVER_URL")
	}
	app.SetupLogger(cfg.LogLevel, io.Discard)
	return app.RunClient(ctx, cfg.Client)
}

func runLocalMode(ctx context.Context, cfg app.Config) error {
	if cfg.Server.Addr == app.DefaultAddr {
		cfg.Server.Addr = "127.0.0.1:0"
	}
	handle, err := app.RunServer(ctx, cfg.Server)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	slog.Info("starting local liveuser server", "addr", handle.Addr(), "counter", cfg.Server.Counter.Backend)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	cfg.Client.ServerURL = buildServerURL(handle.Addr())
	if !cfg.Client.EnableTotalCount && cfg.Server.Counter.Backend != app.BackendNone {
		cfg.Client.EnableTotalCount = true
	}
	// the terminal belongs to the watcher from here on
	app.SetupLogger(cfg.LogLevel, io.Discard)

	if err := app.RunClient(ctx, cfg.Client); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildServerURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s/", addr)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s/", net.JoinHostPort(host, port))
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeWatch, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeWatch, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	case "client":
		return modeWatch, args[1:]
	}
	return modeWatch, args
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "liveuser: %v\n", err)
	os.Exit(1)
}

