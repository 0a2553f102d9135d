// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/ManuGH/webtuner/internal/daemon"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/version"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	return parsedURL.String()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:], os.Stdout, os.Stderr))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		case "lineup":
			os.Exit(runLineupCLI(os.Args[2:], os.Stdout, os.Stderr))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	ctx, stop := daemon.WaitForShutdown()
	defer stop()

	d, err := daemon.Bootstrap(ctx, daemon.Options{
		ConfigPath: strings.TrimSpace(*configPath),
	})
	if err != nil {
		// the logger may not be configured yet
		fmt.Fprintf(os.Stderr, "webtuner: %v\n", err)
		os.Exit(1)
	}

	logger := xglog.WithComponent("main")
	cfg := d.Config.Get()
	logger.Info().
		Str("devtools", maskURL(cfg.Browser.DevToolsURL)).
		Int("max_streams", cfg.Streams.MaxConcurrent).
		Bool("hdhr", cfg.HDHR.Enabled).
		Msg("configuration loaded")

	if err := d.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("webtuner stopped")
}
