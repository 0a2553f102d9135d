// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/playlist"
)

// runLineupCLI writes the lineup as an M3U playlist, to a file (atomically)
// or to stdout.
func runLineupCLI(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("webtuner lineup", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var file, out, base, format string
	fs.StringVar(&file, "f", "", "path to YAML configuration file")
	fs.StringVar(&out, "o", "", "output file (default stdout)")
	fs.StringVar(&base, "base", "", "server base URL (defaults to baseUrl, then http://localhost<listen>)")
	fs.StringVar(&format, "format", "ts", "entry format: ts or hls")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	f, err := playlist.ParseFormat(format)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	cfg, err := config.NewLoader(strings.TrimSpace(file)).Load()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", describe(file), err)
		return 1
	}

	items := playlist.Items(lineupBase(base, cfg), cfg.Channels, f)
	if out == "" {
		if err := playlist.WriteM3U(stdout, items); err != nil {
			fmt.Fprintf(stderr, "Failed to write playlist: %v\n", err)
			return 1
		}
		return 0
	}
	if err := playlist.WriteFile(out, items); err != nil {
		fmt.Fprintf(stderr, "Failed to write playlist: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %d channels to %s\n", len(items), out)
	return 0
}

func lineupBase(flagValue string, cfg config.Config) string {
	if flagValue != "" {
		return flagValue
	}
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	listen := cfg.Listen
	if strings.HasPrefix(listen, ":") {
		return "http://localhost" + listen
	}
	return "http://" + listen
}
