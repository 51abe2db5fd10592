package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"liveuser/internal/app"
	"liveuser/internal/protocol"
)

func main() {
	serverURL := flag.String("server", envOrDefault("LIVEUSER_SERVER_URL", "ws://localhost:8080/"), "presence server base URL")
	site := flag.String("site", envOrDefault("LIVEUSER_SITE_ID", protocol.DefaultSiteID), "site id to watch")
	totals := flag.Bool("totals", false, "also show the running visit total")
	flag.Parse()

	cfg := protocol.ClientConfig{
		ServerURL:        *serverURL,
		SiteID:           *site,
		EnableTotalCount: *totals,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunClient(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
