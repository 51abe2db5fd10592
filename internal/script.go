package internal

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"liveuser/internal/protocol"
)

//go:embed assets/index.html assets/liveuser.js
var assets embed.FS

// ScriptConfigFromRequest derives the client configuration for a script
// request. siteId falls back to the Referer host, then to the default site.
func ScriptConfigFromRequest(r *http.Request) protocol.ClientConfig {
	query := r.URL.Query()
	cfg := protocol.ClientConfig{
		ServerURL:           query.Get("serverUrl"),
		SiteID:              strings.TrimSpace(query.Get("siteId")),
		DisplayElementID:    query.Get("displayElementId"),
		TotalCountElementID: query.Get("totalCountElementId"),
		Debug:               true,
	}
	if cfg.ServerURL == "" {
		scheme := "ws"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "wss"
		}
		cfg.ServerURL = fmt.Sprintf("%s://%s/", scheme, r.Host)
	}
	if cfg.SiteID == "" {
		if referer := r.Header.Get("Referer"); referer != "" {
			if parsed, err := url.Parse(referer); err == nil {
				cfg.SiteID = parsed.Host
			}
		}
	}
	if delay, err := strconv.Atoi(query.Get("reconnectDelay")); err == nil {
		cfg.ReconnectDelay = delay
	}
	if debug := query.Get("debug"); debug != "" {
		cfg.Debug = debug == "true"
	}
	cfg.EnableTotalCount = query.Get("enableTotalCount") == "true"
	cfg.ApplyDefaults()
	return cfg
}

// RenderScript returns the browser client with cfg inlined as
// window.LiveUserConfig.
func RenderScript(cfg protocol.ClientConfig) ([]byte, error) {
	client, err := assets.ReadFile("assets/liveuser.js")
	if err != nil {
		return nil, fmt.Errorf("read client script: %w", err)
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode client config: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("(function() {\n")
	fmt.Fprintf(&buf, "window.LiveUserConfig = %s;\n", encoded)
	buf.Write(client)
	buf.WriteString("\nwindow.LiveUser.initializeLiveUser(window.LiveUserConfig);\n})();\n")
	return buf.Bytes(), nil
}
