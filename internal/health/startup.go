// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/log"
)

// PerformStartupChecks validates the environment before the server starts.
// Unreachable dependencies are only warned about: the browser and ffmpeg may
// become available later and readiness reports them.
func PerformStartupChecks(ctx context.Context, cfg config.Config, checkers ...Checker) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr(logger, cfg.Listen); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := checkURL("browser.devtoolsUrl", cfg.Browser.DevToolsURL, "http", "https", "ws", "wss"); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	for _, ch := range cfg.Channels {
		if err := checkURL("channel "+ch.Key, ch.URL, "http", "https"); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	if cfg.LogFile != "" {
		if err := checkDirWritable(filepath.Dir(cfg.LogFile)); err != nil {
			return fmt.Errorf("log file directory check failed: %w", err)
		}
	}

	for _, c := range checkers {
		res := c.Check(ctx)
		if res.Status == StatusUnhealthy {
			logger.Warn().Str("check", c.Name()).Str("error", res.Error).Msg("dependency not available yet")
			continue
		}
		logger.Info().Str("check", c.Name()).Str("detail", res.Message).Msg("dependency available")
	}

	logger.Info().Int("channels", len(cfg.Channels)).Msg("startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address is empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: URL %q must use one of %v", name, raw, schemes)
}

func checkDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	f, err := os.CreateTemp(path, ".write_test")
	if err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
