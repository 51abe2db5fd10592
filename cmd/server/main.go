package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"liveuser/internal/app"
)

func main() {
	if err := app.LoadDotEnv(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	configPath := flag.String("config", os.Getenv("LIVEUSER_CONFIG"), "YAML config file")
	flag.Parse()

	cfg, err := app.Load(*configPath)
	if err == nil {
		err = app.ApplyEnv(&cfg, os.LookupEnv)
	}
	if err == nil {
		err = app.Validate(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	app.SetupLogger(cfg.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg.Server)
	if err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	if err := handle.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
